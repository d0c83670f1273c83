package nsd

import (
	"fmt"
	"sync"

	"github.com/miekg/dns"
)

// TSIGKeyTable is spec §4.L's key table: {name, algorithm, secret}, keyed by
// the key's owner name in the form miekg/dns expects for its TSIG API
// (fully qualified, trailing dot), mapping to the base64 secret it wants.
type TSIGKeyTable struct {
	mu      sync.RWMutex
	secrets map[string]string
	algos   map[string]string
}

// NewTSIGKeyTable builds a table from the config's key: blocks (spec §6.4).
func NewTSIGKeyTable(keys []KeyConf) (*TSIGKeyTable, error) {
	t := &TSIGKeyTable{secrets: make(map[string]string), algos: make(map[string]string)}
	for _, k := range keys {
		if err := t.Add(k.Name, k.Algorithm, k.Secret); err != nil {
			return nil, err
		}
	}
	return t, nil
}

var validTSIGAlgorithms = map[string]string{
	"hmac-sha1":   dns.HmacSHA1,
	"hmac-sha224": dns.HmacSHA224,
	"hmac-sha256": dns.HmacSHA256,
	"hmac-sha384": dns.HmacSHA384,
	"hmac-sha512": dns.HmacSHA512,
}

// Add registers a key, validating the algorithm against spec §4.L's set
// (HMAC-SHA1 and HMAC-SHA{224,256,384,512}).
func (t *TSIGKeyTable) Add(name, algorithm, secretB64 string) error {
	algo, ok := validTSIGAlgorithms[algorithm]
	if !ok {
		return &ParseError{Kind: fmt.Sprintf("unsupported TSIG algorithm %q", algorithm)}
	}
	fqdn := dns.Fqdn(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.secrets[fqdn] = secretB64
	t.algos[fqdn] = algo
	return nil
}

// Secret returns the secret and algorithm for a key name, for use with
// miekg/dns's own TsigGenerate/TsigVerify, which do the HMAC and
// signed-region reconstruction (message minus TSIG, ARCOUNT decremented)
// per RFC 8945 — spec §4.L's "reconstruct the signed region" step.
func (t *TSIGKeyTable) Secret(name string) (secret, algorithm string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fqdn := dns.Fqdn(name)
	secret, ok = t.secrets[fqdn]
	if !ok {
		return "", "", false
	}
	return secret, t.algos[fqdn], true
}

// AsMiekgMap returns the map[string]string{key: secret} shape dns.Server and
// dns.Client expect for their TsigSecret field.
func (t *TSIGKeyTable) AsMiekgMap() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := make(map[string]string, len(t.secrets))
	for k, v := range t.secrets {
		m[k] = v
	}
	return m
}

// VerifyRequest checks a TSIG-signed query's MAC and fudge window, returning
// an error suitable for translating into an unsigned TSIG error response
// (spec §4.E step 2, §7 "TSIG errors → unsigned TSIG response").
func VerifyRequest(keys *TSIGKeyTable, r *dns.Msg, buf []byte) error {
	tsigRR := r.IsTsig()
	if tsigRR == nil {
		return nil // no TSIG present, nothing to verify
	}
	secret, _, ok := keys.Secret(tsigRR.Hdr.Name)
	if !ok {
		return &Refused{Reason: "unknown TSIG key " + tsigRR.Hdr.Name}
	}
	if err := dns.TsigVerify(buf, secret, "", false); err != nil {
		return &Refused{Reason: "TSIG verification failed: " + err.Error()}
	}
	return nil
}

// SignResponse signs a response with the same key that signed the request,
// spec §4.E step 6 ("if TSIG present, sign the response using the matching
// key") — symmetric with signing, per §4.L.
func SignResponse(keys *TSIGKeyTable, resp *dns.Msg, requestMAC string, keyName string) error {
	secret, algo, ok := keys.Secret(keyName)
	if !ok {
		return &Refused{Reason: "unknown TSIG key " + keyName}
	}
	resp.SetTsig(dns.Fqdn(keyName), algo, 300, 0)
	_ = secret // the MAC bytes are computed when the dns.Server's ResponseWriter writes the message, using the server's TsigSecret (netio.go's Serve); requestMAC is not used here
	_ = requestMAC
	return nil
}
