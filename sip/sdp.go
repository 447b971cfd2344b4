package sip

import (
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// EncodeOffer builds the SDP offer for an outgoing INVITE: G.711 μ-law
// and A-law plus telephone-event, 20 ms packetization, sendrecv.
func EncodeOffer(localIP string, rtpPort int) string {
	return encodeSession(localIP, rtpPort)
}

// EncodeAnswer builds the SDP answer for a 200 OK. The gateway always
// answers with the same symmetric audio description it offers.
func EncodeAnswer(localIP string, rtpPort int) string {
	return encodeSession(localIP, rtpPort)
}

func encodeSession(localIP string, rtpPort int) string {
	id := uint64(time.Now().Unix())

	sd := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "gsm2sip",
			SessionID:      id,
			SessionVersion: id,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "gsm2sip call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
	}

	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: rtpPort},
			Protos: []string{"RTP", "AVP"},
		},
	}
	audio.WithCodec(0, "PCMU", 8000, 0, "")
	audio.WithCodec(8, "PCMA", 8000, 0, "")
	audio.WithCodec(101, "telephone-event", 8000, 0, "0-16")
	audio.WithValueAttribute("ptime", "20")
	audio.WithPropertyAttribute("sendrecv")

	sd.MediaDescriptions = []*sdp.MediaDescription{audio}

	out, err := sd.Marshal()
	if err != nil {
		return ""
	}
	return string(out)
}

// DecodeMedia extracts the remote RTP address and port from an SDP body.
// A well-formed description goes through the sdp package; bodies that
// fail strict parsing (PBXs routinely omit mandatory lines) fall back to
// scanning for the c= and m=audio lines directly.
func DecodeMedia(body string) (addr string, port int, ok bool) {
	if body == "" {
		return "", 0, false
	}

	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(body)); err == nil {
		if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
			addr = sd.ConnectionInformation.Address.Address
		}
		for _, md := range sd.MediaDescriptions {
			if md.MediaName.Media != "audio" {
				continue
			}
			port = md.MediaName.Port.Value
			if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
				addr = md.ConnectionInformation.Address.Address
			}
			break
		}
		if addr != "" && port != 0 {
			return addr, port, true
		}
	}

	return scanMediaLines(body)
}

// scanMediaLines is the tolerant path: it only looks at c= and m=audio
// lines and accepts bare-LF endings.
func scanMediaLines(body string) (addr string, port int, ok bool) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "c="):
			parts := strings.Fields(line[2:])
			if len(parts) >= 3 && parts[0] == "IN" && parts[1] == "IP4" {
				addr = parts[2]
			}
		case strings.HasPrefix(line, "m=audio"):
			parts := strings.Fields(line[2:])
			if len(parts) >= 2 {
				if p, err := strconv.Atoi(parts[1]); err == nil {
					port = p
				}
			}
		}
	}
	return addr, port, addr != "" && port != 0
}
