package realtime

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

const (
	openAIModel   = "gpt-4o-realtime-preview"
	openAIBaseURL = "wss://api.openai.com/v1/realtime"
)

var openAIVoices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// NewOpenAI returns a Dialer for the OpenAI Realtime API. Audio is PCM16 in
// both directions, carried base64-encoded in JSON events.
func NewOpenAI(apiKey string, opts ...Option) *Dialer {
	return newDialer(settings{apiKey: apiKey, model: openAIModel, baseURL: openAIBaseURL}, opts,
		func(s settings) dialect { return openAI{s} })
}

type openAI struct{ s settings }

func (openAI) name() string             { return "openai-realtime" }
func (openAI) voices() []string         { return openAIVoices }
func (openAI) keepalive() time.Duration { return 0 }

func (o openAI) endpoint() (string, http.Header) {
	return o.s.baseURL + "?model=" + url.QueryEscape(o.s.model), http.Header{
		"Authorization": {"Bearer " + o.s.apiKey},
		"OpenAI-Beta":   {"realtime=v1"},
	}
}

type openAISessionUpdate struct {
	Type    string `json:"type"`
	Session struct {
		Voice             string `json:"voice,omitempty"`
		Instructions      string `json:"instructions,omitempty"`
		InputAudioFormat  string `json:"input_audio_format"`
		OutputAudioFormat string `json:"output_audio_format"`
	} `json:"session"`
}

func (openAI) setup(p Persona) any {
	var m openAISessionUpdate
	m.Type = "session.update"
	m.Session.Voice = p.Voice
	m.Session.Instructions = p.Instructions
	m.Session.InputAudioFormat = "pcm16"
	m.Session.OutputAudioFormat = "pcm16"
	return m
}

func (openAI) input(chunk []byte) any {
	return map[string]string{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(chunk),
	}
}

// openAIEvent is the subset of server events the relay acts on.
type openAIEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (openAI) decode(data []byte) (event, error) {
	var in openAIEvent
	if err := json.Unmarshal(data, &in); err != nil {
		return event{}, err
	}
	var ev event
	switch in.Type {
	case "session.updated":
		ev.ready = true
	case "response.audio.delta":
		if pcm, err := base64.StdEncoding.DecodeString(in.Delta); err == nil && len(pcm) > 0 {
			ev.audio = [][]byte{pcm}
		}
	case "error":
		ev.fault = "unknown error"
		if in.Error != nil {
			switch {
			case in.Error.Message != "":
				ev.fault = in.Error.Message
			case in.Error.Code != "":
				ev.fault = in.Error.Code
			}
		}
	}
	return ev, nil
}
