package session

import (
	"encoding/json"

	"github.com/meshguard/routerd/protocol"
)

func encodeFrame(f protocol.Frame) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFrame(data []byte) (protocol.Frame, error) {
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return protocol.Frame{}, err
	}
	return f, nil
}
