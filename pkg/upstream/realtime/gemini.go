package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	geminiModel   = "gemini-2.0-flash-live-001"
	geminiBaseURL = "wss://generativelanguage.googleapis.com/ws"
	geminiMethod  = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// geminiInputMIME is the audio format Gemini Live expects from the client.
	geminiInputMIME = "audio/pcm;rate=16000"

	geminiKeepalive = 20 * time.Second
)

var geminiVoices = []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"}

// NewGemini returns a Dialer for the Gemini Live BidiGenerateContent API.
// Input audio is 16 kHz PCM; idle sessions are kept alive with pings.
func NewGemini(apiKey string, opts ...Option) *Dialer {
	return newDialer(settings{apiKey: apiKey, model: geminiModel, baseURL: geminiBaseURL}, opts,
		func(s settings) dialect { return gemini{s} })
}

type gemini struct{ s settings }

func (gemini) name() string             { return "gemini-live" }
func (gemini) voices() []string         { return geminiVoices }
func (gemini) keepalive() time.Duration { return geminiKeepalive }

func (g gemini) endpoint() (string, http.Header) {
	return g.s.baseURL + geminiMethod + "?key=" + url.QueryEscape(g.s.apiKey), nil
}

type geminiBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *geminiBlob `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiVoice struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type geminiSetup struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string     `json:"responseModalities"`
			SpeechConfig       *geminiVoice `json:"speechConfig,omitempty"`
		} `json:"generationConfig"`
		SystemInstruction *geminiContent `json:"systemInstruction,omitempty"`
	} `json:"setup"`
}

func (g gemini) setup(p Persona) any {
	var m geminiSetup
	m.Setup.Model = fmt.Sprintf("models/%s", g.s.model)
	m.Setup.GenerationConfig.ResponseModalities = []string{"audio"}
	if p.Voice != "" {
		v := &geminiVoice{}
		v.VoiceConfig.PrebuiltVoiceConfig.VoiceName = p.Voice
		m.Setup.GenerationConfig.SpeechConfig = v
	}
	if p.Instructions != "" {
		m.Setup.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: p.Instructions}}}
	}
	return m
}

type geminiInput struct {
	RealtimeInput struct {
		MediaChunks []geminiBlob `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

func (gemini) input(chunk []byte) any {
	var m geminiInput
	m.RealtimeInput.MediaChunks = []geminiBlob{{
		MIMEType: geminiInputMIME,
		Data:     base64.StdEncoding.EncodeToString(chunk),
	}}
	return m
}

// geminiMessage is the subset of server messages the relay acts on.
type geminiMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete"`
	ServerContent *struct {
		ModelTurn *geminiContent `json:"modelTurn"`
	} `json:"serverContent"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (gemini) decode(data []byte) (event, error) {
	var in geminiMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return event{}, err
	}
	var ev event
	ev.ready = in.SetupComplete != nil
	if in.Error != nil {
		ev.fault = fmt.Sprintf("code %d: %s", in.Error.Code, in.Error.Message)
	}
	if in.ServerContent != nil && in.ServerContent.ModelTurn != nil {
		for _, p := range in.ServerContent.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			if pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data); err == nil && len(pcm) > 0 {
				ev.audio = append(ev.audio, pcm)
			}
		}
	}
	return ev, nil
}
