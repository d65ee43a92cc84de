package duplex

import "encoding/json"

type initPayload struct {
	Type  string `json:"type"`
	Voice string `json:"voice,omitempty"`
}

func initMessage(voice string) []byte {
	b, _ := json.Marshal(initPayload{Type: "init", Voice: voice})
	return b
}
