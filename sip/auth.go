package sip

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var (
	realmPattern = regexp.MustCompile(`realm="([^"]*)"`)
	noncePattern = regexp.MustCompile(`nonce="([^"]*)"`)
)

// ParseChallenge pulls realm and nonce out of a WWW-Authenticate header
// value. Anything that is not a digest challenge reports ok=false.
func ParseChallenge(value string) (realm, nonce string, ok bool) {
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(value)), "digest") {
		return "", "", false
	}

	rm := realmPattern.FindStringSubmatch(value)
	nm := noncePattern.FindStringSubmatch(value)
	if rm == nil || nm == nil {
		return "", "", false
	}
	return rm[1], nm[1], true
}

// DigestAuthorization computes the Authorization header value answering a
// digest challenge. MD5 is what RFC 2617 defines for SIP registrars.
func DigestAuthorization(username, realm, password, nonce, method, uri string) string {
	ha1 := md5Hex(username + ":" + realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)
	response := md5Hex(ha1 + ":" + nonce + ":" + ha2)

	return fmt.Sprintf(
		`Digest username="%s",realm="%s",nonce="%s",uri="%s",response="%s",algorithm=MD5`,
		username, realm, nonce, uri, response)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
