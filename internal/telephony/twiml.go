package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// It intentionally avoids any provider SDK dependency.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlStart struct {
	XMLName xml.Name    `xml:"Start"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

type twimlPause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlDial struct {
	XMLName    xml.Name `xml:"Dial"`
	Conference string   `xml:"Conference"`
}

// RenderAnswerTwiML opens a media stream, holds the call for pauseSeconds,
// then hangs up.
func RenderAnswerTwiML(streamURL string, pauseSeconds int) (string, error) {
	if strings.TrimSpace(streamURL) == "" {
		return "", errors.New("telephony: stream url required")
	}
	if pauseSeconds <= 0 {
		pauseSeconds = 30
	}
	return render(twimlResponse{Verbs: []any{
		twimlStart{Stream: twimlStream{URL: streamURL}},
		twimlPause{Length: pauseSeconds},
		twimlHangup{},
	}})
}

// RenderConferenceTwiML dials the current call into a named conference.
func RenderConferenceTwiML(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("telephony: conference name required")
	}
	return render(twimlResponse{Verbs: []any{twimlDial{Conference: name}}})
}

func render(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
