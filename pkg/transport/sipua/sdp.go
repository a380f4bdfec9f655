package sipua

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/phonify/pkg/audio"
)

// ptime длительность RTP пакета в миллисекундах
const ptime = 20

// mediaOffer параметры аудио из SDP удаленной стороны
type mediaOffer struct {
	Addr   *net.UDPAddr
	Codecs []audio.Codec
	// Direction sendrecv, sendonly, recvonly или inactive
	Direction string
}

// buildSDP создает описание аудио потока: адрес host:port, кодеки в порядке предпочтения
func buildSDP(host string, port int, codecs []audio.Codec, sessionName string) ([]byte, error) {
	if len(codecs) == 0 {
		return nil, errors.New("no codecs to offer")
	}
	addrType := "IP4"
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}
	now := uint64(time.Now().Unix())

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: host,
		},
		SessionName: sdp.SessionName(sessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	formats := make([]string, 0, len(codecs))
	attrs := make([]sdp.Attribute, 0, len(codecs)+2)
	for _, c := range codecs {
		pt := strconv.Itoa(int(c.PayloadType))
		formats = append(formats, pt)
		attrs = append(attrs, sdp.NewAttribute("rtpmap", fmt.Sprintf("%s %s/%d", pt, c.Name, c.ClockRate)))
	}
	attrs = append(attrs,
		sdp.NewAttribute("ptime", strconv.Itoa(ptime)),
		sdp.NewPropertyAttribute("sendrecv"),
	)

	desc.MediaDescriptions = []*sdp.MediaDescription{{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: formats,
		},
		Attributes: attrs,
	}}

	return desc.Marshal()
}

// parseSDP извлекает адрес и кодеки аудио потока. Кодеки упорядочены как у удаленной стороны.
func parseSDP(body []byte) (*mediaOffer, error) {
	if len(body) == 0 {
		return nil, errors.New("empty SDP")
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parse SDP: %w", err)
	}

	var md *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" && m.MediaName.Port.Value != 0 {
			md = m
			break
		}
	}
	if md == nil {
		return nil, errors.New("no audio media in SDP")
	}

	conn := md.ConnectionInformation
	if conn == nil {
		conn = desc.ConnectionInformation
	}
	if conn == nil || conn.Address == nil {
		return nil, errors.New("no connection address in SDP")
	}
	ip := net.ParseIP(conn.Address.Address)
	if ip == nil {
		return nil, fmt.Errorf("invalid connection address %q", conn.Address.Address)
	}

	offer := &mediaOffer{
		Addr:      &net.UDPAddr{IP: ip, Port: md.MediaName.Port.Value},
		Direction: "sendrecv",
	}
	for _, f := range md.MediaName.Formats {
		pt, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			continue
		}
		if c, ok := audio.CodecByPayloadType(uint8(pt)); ok {
			offer.Codecs = append(offer.Codecs, c)
		}
	}
	for _, a := range md.Attributes {
		switch a.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			offer.Direction = a.Key
		}
	}
	return offer, nil
}

// negotiate выбирает первый кодек удаленной стороны, который поддерживаем мы
func negotiate(local, remote []audio.Codec) (audio.Codec, bool) {
	for _, r := range remote {
		for _, l := range local {
			if strings.EqualFold(r.Name, l.Name) && r.PayloadType == l.PayloadType {
				return l, true
			}
		}
	}
	return audio.Codec{}, false
}
