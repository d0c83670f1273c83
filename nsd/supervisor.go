package nsd

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/miekg/dns"
)

// Command is spec §4.K's single sig-atomic IPC word, sent over the Unix
// socket shared between each pair of supervisor/worker/xfrd processes.
type Command byte

const (
	CmdStats Command = iota
	CmdQuit
	CmdReload
	CmdReloadDone
	CmdPassToXfrd // framed: {u16 length, payload, u32 acl-num}
	CmdReapChildren
	CmdShutdown
)

// Supervisor implements spec §4.K: forks/respawns worker servers, swaps the
// DB image on reload, and runs the signal-to-pipe wakeup pattern from
// spec §9, grounded on the teacher's tdnsd/main.go signal.Notify idiom — a
// buffered channel plays the self-pipe's role since Go's signal package
// already delivers signals through a channel (SPEC_FULL.md §9 note).
type Supervisor struct {
	sigCh   chan os.Signal
	workers map[string]*net.UnixConn // keyed by process role: "worker-N", "xfrd"
	ring    *TaskRing

	// Listening sockets this process currently owns, registered by
	// SetSockets once DnsEngine/Serve has bound them. Reload needs these to
	// hand file descriptors down to the replacement process and to retire
	// its own copy of them once the handoff completes.
	udpConn     net.PacketConn
	tcpListener net.Listener
	udpSrv      *dns.Server
	tcpSrv      *dns.Server
	reloadGrace time.Duration

	journal     *Journal
	snapshotDir string
}

// NewSupervisor constructs the supervisor and installs its signal handler.
func NewSupervisor(ring *TaskRing) *Supervisor {
	s := &Supervisor{
		sigCh:       make(chan os.Signal, 8),
		workers:     make(map[string]*net.UnixConn),
		ring:        ring,
		reloadGrace: 500 * time.Millisecond,
	}
	signal.Notify(s.sigCh, syscall.SIGCHLD, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT)
	return s
}

// SetSockets registers the listening sockets (and the *dns.Server values
// serving them) a reload should hand down to the replacement process. Must
// be called once, after Serve has started, before the first SIGHUP.
func (s *Supervisor) SetSockets(udpConn net.PacketConn, tcpListener net.Listener, udpSrv, tcpSrv *dns.Server) {
	s.udpConn = udpConn
	s.tcpListener = tcpListener
	s.udpSrv = udpSrv
	s.tcpSrv = tcpSrv
}

// SetJournal registers the journal and zone-snapshot directory Reload uses
// to actually apply queued TaskApplyXFR entries before handing off to the
// replacement process, so the new process's udb snapshots already reflect
// every transfer that landed while this process was running.
func (s *Supervisor) SetJournal(journal *Journal, snapshotDir string) {
	s.journal = journal
	s.snapshotDir = snapshotDir
}

// Run is the supervisor's reactor loop (spec §4.G rendered at process scope):
// it selects on the signal channel and the done channel, dispatching on the
// signal received. Signals never mutate state directly —
// they only wake the loop, which then acts.
func (s *Supervisor) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig := <-s.sigCh:
			switch sig {
			case syscall.SIGCHLD:
				s.reapChildren()
			case syscall.SIGTERM, syscall.SIGINT:
				s.teardown()
				return
			case syscall.SIGHUP:
				s.Reload()
			}
		}
	}
}

// reapChildren implements spec §4.K: "any process death triggers
// REAP_CHILDREN and an orderly teardown."
func (s *Supervisor) reapChildren() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			break
		}
		Noticef("reaped child pid %d status %v", pid, status)
	}
}

// teardown implements spec §4.K: "the supervisor signals the others with
// QUIT, waits bounded time, then SHUTDOWN."
func (s *Supervisor) teardown() {
	for name, conn := range s.workers {
		if err := SendCommand(conn, CmdQuit, nil); err != nil {
			Warningf("QUIT to %s failed: %v", name, err)
		}
	}
	time.Sleep(2 * time.Second)
	for name, conn := range s.workers {
		_ = SendCommand(conn, CmdShutdown, nil)
		conn.Close()
	}
}

// Reload implements spec §4.K's reload sequence steps 2-4: swap the task
// ring's standby bank in, fork a replacement process mapping the new udb
// generation and owning the listening sockets, then tell xfrd RELOAD_DONE.
func (s *Supervisor) Reload() {
	Noticef("reload requested")
	tasks := s.ring.Swap()
	Noticef("reload: draining %d queued tasks to new worker", len(tasks))
	s.applyPendingTasks(tasks)

	if err := s.forkAndSwap(); err != nil {
		Errorf("reload: fork-and-swap failed, continuing on the current process: %v", err)
	}

	if conn, ok := s.workers["xfrd"]; ok {
		_ = SendCommand(conn, CmdReloadDone, nil)
	}
}

// applyPendingTasks replays each drained TaskApplyXFR entry against its
// zone via the journal (spec §4.K step 2's "drain the standby bank" made
// real instead of just logged), persisting a fresh udb snapshot afterward
// so the replacement process forked below starts from the transfer's
// result rather than needing to re-run it.
func (s *Supervisor) applyPendingTasks(tasks []Task) {
	for _, task := range tasks {
		switch task.Kind {
		case TaskApplyXFR:
			zone, ok := Zones.Get(task.ZoneName)
			if !ok {
				Warningf("reload: TaskApplyXFR for unknown zone %s", task.ZoneName)
				continue
			}
			if s.journal == nil {
				continue
			}
			if err := s.journal.Apply(zone, task); err != nil {
				Errorf("reload: apply %s: %v", task.ZoneName, err)
				continue
			}
			if s.snapshotDir != "" {
				if err := PersistZoneSnapshot(s.snapshotDir, zone); err != nil {
					Warningf("reload: snapshot %s: %v", task.ZoneName, err)
				}
			}
		case TaskAddZone, TaskDeleteZone, TaskApplyPattern, TaskSetVerbosity, TaskAddCatalogMember, TaskCheckZonefiles, TaskCheckChildOwner:
			// Zone-membership and config-level tasks: the replacement process
			// re-derives these from cfg.Zones and the next catalog consume
			// pass, so nothing to replay here before handoff.
		}
	}
}

// forkAndSwap re-execs the running binary, handing the listening UDP and
// TCP sockets' file descriptors down via ExtraFiles so the new process
// binds no new port (NSDD_REEXEC=1 tells it to adopt fd 3/4 instead of
// calling ListenSockets itself — see nsdd/main.go). The new process takes
// over the standby udb generation on its own next zone load; once it has
// had reloadGrace to come up, this process calls Shutdown on its own
// *dns.Server handles so new connections land only on the replacement.
//
// There is no explicit readiness handshake from the child back to this
// process (that would need a second control channel beyond the xfrd
// command socket); reloadGrace is a fixed wait instead. That is a known
// simplification over NSD's real fork-and-swap, recorded in DESIGN.md.
func (s *Supervisor) forkAndSwap() error {
	if s.udpConn == nil || s.tcpListener == nil {
		return fmt.Errorf("no listening sockets registered (call SetSockets before the first reload)")
	}
	udpFile, err := socketFile(s.udpConn)
	if err != nil {
		return fmt.Errorf("udp socket: %w", err)
	}
	defer udpFile.Close()
	tcpFile, err := socketFile(s.tcpListener)
	if err != nil {
		return fmt.Errorf("tcp socket: %w", err)
	}
	defer tcpFile.Close()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.ExtraFiles = []*os.File{udpFile, tcpFile}
	cmd.Env = append(os.Environ(), "NSDD_REEXEC=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn replacement process: %w", err)
	}
	Noticef("reload: spawned replacement process pid %d, handing off sockets", cmd.Process.Pid)

	time.Sleep(s.reloadGrace)

	if s.udpSrv != nil {
		_ = s.udpSrv.Shutdown()
	}
	if s.tcpSrv != nil {
		_ = s.tcpSrv.Shutdown()
	}
	Noticef("reload: retired this process's sockets in favour of pid %d", cmd.Process.Pid)
	return nil
}

// socketFile extracts the *os.File backing a listening socket so it can be
// passed to a child process via ExtraFiles. The returned file is a dup of
// the underlying descriptor; the original socket keeps working.
func socketFile(v any) (*os.File, error) {
	switch c := v.(type) {
	case *net.UDPConn:
		return c.File()
	case *net.TCPListener:
		return c.File()
	default:
		return nil, fmt.Errorf("unsupported socket type %T", v)
	}
}

// SendCommand writes a Command word, framing CmdPassToXfrd per spec §4.K:
// {u16 length, payload, u32 acl-num}.
func SendCommand(conn *net.UnixConn, cmd Command, payload []byte) error {
	if cmd != CmdPassToXfrd {
		_, err := conn.Write([]byte{byte(cmd)})
		return err
	}
	var hdr [7]byte
	hdr[0] = byte(cmd)
	binary.BigEndian.PutUint16(hdr[1:3], uint16(len(payload)))
	if _, err := conn.Write(hdr[:3]); err != nil {
		return err
	}
	if _, err := conn.Write(payload); err != nil {
		return err
	}
	var aclNum [4]byte
	_, err := conn.Write(aclNum[:])
	return err
}

// ReadCommand reads one command off conn, fully decoding the PASS_TO_XFRD
// frame when present.
func ReadCommand(conn *net.UnixConn) (Command, []byte, uint32, error) {
	var b [1]byte
	if _, err := io.ReadFull(conn, b[:]); err != nil {
		return 0, nil, 0, err
	}
	cmd := Command(b[0])
	if cmd != CmdPassToXfrd {
		return cmd, nil, 0, nil
	}
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return 0, nil, 0, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return 0, nil, 0, err
	}
	var aclBuf [4]byte
	if _, err := io.ReadFull(conn, aclBuf[:]); err != nil {
		return 0, nil, 0, err
	}
	return cmd, payload, binary.BigEndian.Uint32(aclBuf[:]), nil
}

// WritePidFile implements spec §6.2's pidfile format: a single line,
// decimal PID, newline.
func WritePidFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
