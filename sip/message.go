package sip

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	sipVersion  = "SIP/2.0"
	allowedList = "INVITE,ACK,BYE,CANCEL,OPTIONS,INFO"
)

var userAgent = "gsm2sip/1.0"

// SetUserAgent overrides the User-Agent header on all built messages.
// Call it before any traffic; builders read the value unlocked.
func SetUserAgent(ua string) {
	if ua != "" {
		userAgent = ua
	}
}

// Message is a single SIP request or response: first line, a header map
// with lower-cased keys, and an optional body. Builders return it fully
// populated; it is not meant to change after serialization.
type Message struct {
	request    bool
	method     string
	requestURI string
	proto      string
	statusCode int
	reason     string
	headers    map[string]string
	body       string
}

// Parse classifies raw text as a request or response and splits headers
// from the body at the first blank line. Malformed input yields (nil,
// false), never an error: an empty first line (keep-alive), a request
// line with fewer than two tokens, or a response line with fewer than
// two tokens or a non-numeric status code.
func Parse(raw string) (*Message, bool) {
	m := &Message{headers: make(map[string]string)}

	headerSection := raw
	if i := strings.Index(raw, "\r\n\r\n"); i >= 0 {
		headerSection = raw[:i]
		m.body = raw[i+4:]
	}

	lines := strings.Split(headerSection, "\r\n")
	first := strings.TrimSpace(lines[0])
	if first == "" {
		return nil, false
	}

	if strings.HasPrefix(first, "SIP/") {
		parts := strings.SplitN(first, " ", 3)
		if len(parts) < 2 {
			return nil, false
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, false
		}
		m.proto = parts[0]
		m.statusCode = code
		if len(parts) > 2 {
			m.reason = parts[2]
		}
	} else {
		tokens := strings.Fields(first)
		if len(tokens) < 2 {
			return nil, false
		}
		m.request = true
		m.method = tokens[0]
		m.requestURI = tokens[1]
		m.proto = sipVersion
		if len(tokens) > 2 {
			m.proto = tokens[2]
		}
	}

	for _, line := range lines[1:] {
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:colon]))
		m.headers[key] = strings.TrimSpace(line[colon+1:])
	}

	return m, true
}

// BuildRegister creates a REGISTER request. localAddr is "host:port".
func BuildRegister(user, domain, localAddr, callID string, cseq, expires int) *Message {
	m := newRequest("REGISTER", "sip:"+domain)
	m.headers["via"] = viaHeader(localAddr)
	m.headers["from"] = fmt.Sprintf("<sip:%s@%s>;tag=%s", user, domain, NewTag())
	m.headers["to"] = fmt.Sprintf("<sip:%s@%s>", user, domain)
	m.headers["call-id"] = callID
	m.headers["cseq"] = strconv.Itoa(cseq) + " REGISTER"
	m.headers["contact"] = fmt.Sprintf("<sip:%s@%s>;expires=%d", user, localAddr, expires)
	m.headers["max-forwards"] = "70"
	m.headers["user-agent"] = userAgent
	m.headers["expires"] = strconv.Itoa(expires)
	m.headers["allow"] = allowedList
	m.headers["content-length"] = "0"
	return m
}

// BuildInvite creates an INVITE carrying an SDP offer (PCMU, PCMA and
// telephone-event, ptime 20, sendrecv).
func BuildInvite(fromUser, toUser, domain, localAddr string, rtpPort int, callID string, cseq int) *Message {
	m := newRequest("INVITE", fmt.Sprintf("sip:%s@%s", toUser, domain))
	m.headers["via"] = viaHeader(localAddr)
	m.headers["from"] = fmt.Sprintf("<sip:%s@%s>;tag=%s", fromUser, domain, NewTag())
	m.headers["to"] = fmt.Sprintf("<sip:%s@%s>", toUser, domain)
	m.headers["call-id"] = callID
	m.headers["cseq"] = strconv.Itoa(cseq) + " INVITE"
	m.headers["contact"] = fmt.Sprintf("<sip:%s@%s>", fromUser, localAddr)
	m.headers["max-forwards"] = "70"
	m.headers["user-agent"] = userAgent
	m.headers["allow"] = allowedList
	m.headers["supported"] = "replaces,timer"
	m.setSDP(EncodeOffer(hostOnly(localAddr), rtpPort))
	return m
}

// BuildResponse creates a response to req, copying Via, From, To,
// Call-ID and CSeq.
func BuildResponse(req *Message, code int, reason string) *Message {
	m := newResponse(code, reason)
	for _, h := range []string{"via", "from", "to", "call-id", "cseq"} {
		if v, ok := req.headers[h]; ok {
			m.headers[h] = v
		}
	}
	m.headers["user-agent"] = userAgent
	m.headers["content-length"] = "0"
	return m
}

// BuildOkWithSDP creates a 200 OK answer to an INVITE. toTag is appended
// to the To header only when it carries no tag yet.
func BuildOkWithSDP(req *Message, localAddr string, rtpPort int, toTag string) *Message {
	return buildSDPResponse(req, 200, "OK", localAddr, rtpPort, toTag)
}

// buildSDPResponse backs the SDP-carrying responses (200 OK, 183 early
// media). Same To-tag rule as BuildOkWithSDP.
func buildSDPResponse(req *Message, code int, reason, localAddr string, rtpPort int, toTag string) *Message {
	m := newResponse(code, reason)
	m.headers["via"] = req.headers["via"]
	m.headers["from"] = req.headers["from"]

	to := req.headers["to"]
	if !strings.Contains(to, "tag=") {
		to += ";tag=" + toTag
	}
	m.headers["to"] = to

	m.headers["call-id"] = req.headers["call-id"]
	m.headers["cseq"] = req.headers["cseq"]
	m.headers["contact"] = fmt.Sprintf("<sip:%s>", localAddr)
	m.headers["user-agent"] = userAgent
	m.headers["allow"] = allowedList
	m.setSDP(EncodeAnswer(hostOnly(localAddr), rtpPort))
	return m
}

// BuildAck creates the ACK for a final INVITE response. The request-URI
// comes from the response's Contact when present, else from To; the CSeq
// number is copied verbatim with the method forced to ACK.
func BuildAck(resp *Message, localAddr string) *Message {
	uri := resp.ContactURI()
	if uri == "" {
		uri = innerURI(resp.headers["to"])
	}

	m := newRequest("ACK", uri)
	m.headers["via"] = viaHeader(localAddr)
	m.headers["from"] = resp.headers["from"]
	m.headers["to"] = resp.headers["to"]
	m.headers["call-id"] = resp.headers["call-id"]
	num, _ := resp.CSeq()
	m.headers["cseq"] = num + " ACK"
	m.headers["max-forwards"] = "70"
	m.headers["content-length"] = "0"
	return m
}

// BuildBye creates a BYE inside an established dialog. from and to are
// complete header values including tags, with the sender's identity in
// from.
func BuildBye(callID, from, to, remoteURI, localAddr string, cseq int) *Message {
	m := newRequest("BYE", remoteURI)
	m.headers["via"] = viaHeader(localAddr)
	m.headers["from"] = from
	m.headers["to"] = to
	m.headers["call-id"] = callID
	m.headers["cseq"] = strconv.Itoa(cseq) + " BYE"
	m.headers["max-forwards"] = "70"
	m.headers["content-length"] = "0"
	return m
}

// BuildCancel creates the CANCEL for a pending INVITE. Via, From, To and
// Call-ID are copied from the INVITE so the peer can match the
// transaction; only the CSeq method changes.
func BuildCancel(invite *Message) *Message {
	m := newRequest("CANCEL", invite.requestURI)
	for _, h := range []string{"via", "from", "to", "call-id"} {
		if v, ok := invite.headers[h]; ok {
			m.headers[h] = v
		}
	}
	num, _ := invite.CSeq()
	m.headers["cseq"] = num + " CANCEL"
	m.headers["max-forwards"] = "70"
	m.headers["content-length"] = "0"
	return m
}

// serializeOrder is the fixed header order on the wire; anything not
// listed follows after, sorted.
var serializeOrder = []string{
	"via", "from", "to", "call-id", "cseq", "contact",
	"max-forwards", "user-agent", "allow", "supported",
	"expires", "authorization", "www-authenticate",
	"content-type", "content-length",
}

// Serialize renders the message with CRLF line endings and one blank
// line before the body.
func (m *Message) Serialize() string {
	var sb strings.Builder

	if m.request {
		sb.WriteString(m.method + " " + m.requestURI + " " + m.proto + "\r\n")
	} else {
		sb.WriteString(m.proto + " " + strconv.Itoa(m.statusCode) + " " + m.reason + "\r\n")
	}

	written := make(map[string]bool, len(serializeOrder))
	for _, key := range serializeOrder {
		if v, ok := m.headers[key]; ok {
			sb.WriteString(textproto.CanonicalMIMEHeaderKey(key) + ": " + v + "\r\n")
			written[key] = true
		}
	}

	rest := make([]string, 0, len(m.headers))
	for key := range m.headers {
		if !written[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		sb.WriteString(textproto.CanonicalMIMEHeaderKey(key) + ": " + m.headers[key] + "\r\n")
	}

	sb.WriteString("\r\n")
	sb.WriteString(m.body)
	return sb.String()
}

// NewTag returns a random hex tag for From/To headers.
func NewTag() string { return randHex(8) }

// NewBranch returns a Via branch prefixed with the RFC 3261 magic cookie.
func NewBranch() string { return "z9hG4bK" + randHex(12) }

// NewCallID returns a unique Call-ID scoped to domain.
func NewCallID(domain string) string { return uuid.NewString() + "@" + domain }

func randHex(n int) string {
	b := make([]byte, (n+1)/2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)[:n]
}

func newRequest(method, uri string) *Message {
	return &Message{
		request:    true,
		method:     method,
		requestURI: uri,
		proto:      sipVersion,
		headers:    make(map[string]string),
	}
}

func newResponse(code int, reason string) *Message {
	return &Message{
		proto:      sipVersion,
		statusCode: code,
		reason:     reason,
		headers:    make(map[string]string),
	}
}

func (m *Message) setSDP(sdp string) {
	m.body = sdp
	m.headers["content-type"] = "application/sdp"
	m.headers["content-length"] = strconv.Itoa(len(sdp))
}

func viaHeader(localAddr string) string {
	return fmt.Sprintf("SIP/2.0/UDP %s;branch=%s;rport", localAddr, NewBranch())
}

// hostOnly strips the port from a "host:port" address.
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// innerURI extracts the URI between angle brackets, or returns the value
// unchanged when there are none.
func innerURI(v string) string {
	open := strings.Index(v, "<")
	end := strings.Index(v, ">")
	if open >= 0 && end > open {
		return v[open+1 : end]
	}
	return v
}

// IsRequest reports whether the message is a request.
func (m *Message) IsRequest() bool { return m.request }

// Method returns the request method, empty for responses.
func (m *Message) Method() string { return m.method }

// RequestURI returns the request-URI, empty for responses.
func (m *Message) RequestURI() string { return m.requestURI }

// StatusCode returns the response status code, zero for requests.
func (m *Message) StatusCode() int { return m.statusCode }

// Reason returns the response reason phrase.
func (m *Message) Reason() string { return m.reason }

// Body returns the message body.
func (m *Message) Body() string { return m.body }

// Header returns a header value by case-insensitive name.
func (m *Message) Header(name string) string {
	return m.headers[strings.ToLower(name)]
}

// SetHeader sets a header value by case-insensitive name.
func (m *Message) SetHeader(name, value string) {
	m.headers[strings.ToLower(name)] = value
}

// CallID returns the Call-ID header.
func (m *Message) CallID() string { return m.headers["call-id"] }

// CSeq splits the CSeq header into its number and method.
func (m *Message) CSeq() (number, method string) {
	fields := strings.Fields(m.headers["cseq"])
	if len(fields) > 0 {
		number = fields[0]
	}
	if len(fields) > 1 {
		method = fields[1]
	}
	return number, method
}

// ContactURI returns the URI inside the Contact header's angle brackets,
// or "" when the header is absent or unbracketed.
func (m *Message) ContactURI() string {
	contact, ok := m.headers["contact"]
	if !ok {
		return ""
	}
	if uri := innerURI(contact); uri != contact {
		return uri
	}
	return ""
}

// FromUser returns the user part of the From header URI: the caller
// number on incoming INVITEs.
func (m *Message) FromUser() string {
	v := innerURI(m.headers["from"])
	if i := strings.Index(v, ";"); i >= 0 {
		v = v[:i]
	}
	v = strings.TrimPrefix(v, "sip:")
	if at := strings.Index(v, "@"); at > 0 {
		return v[:at]
	}
	return v
}

// FromTag returns the tag parameter of the From header, or "".
func (m *Message) FromTag() string { return tagOf(m.headers["from"]) }

// ToTag returns the tag parameter of the To header, or "".
func (m *Message) ToTag() string { return tagOf(m.headers["to"]) }

func tagOf(header string) string {
	i := strings.Index(header, "tag=")
	if i < 0 {
		return ""
	}
	rest := header[i+4:]
	if j := strings.Index(rest, ";"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// DialedNumber extracts the user part of the request-URI:
// "sip:1234@host" yields "1234".
func (m *Message) DialedNumber() string {
	uri := strings.TrimPrefix(m.requestURI, "sip:")
	if at := strings.Index(uri, "@"); at > 0 {
		return uri[:at]
	}
	return uri
}
