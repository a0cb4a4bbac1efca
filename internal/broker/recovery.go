package broker

import (
	"encoding/binary"
	"fmt"
)

// encodeRecoveryEnvelope frames a (destination, payload) pair as the bytes
// actually handed to the storage engine. The storage engine itself has no
// notion of "destination" (spec.md §4.1 stores only opaque, length-prefixed
// payloads); the broker is the layer that needs destination back at
// load-time recovery, so it frames it itself.
func encodeRecoveryEnvelope(destination string, payload []byte) ([]byte, error) {
	if len(destination) > 0xFFFF {
		return nil, fmt.Errorf("broker: destination too long to persist")
	}
	buf := make([]byte, 2+len(destination)+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(destination)))
	copy(buf[2:2+len(destination)], destination)
	copy(buf[2+len(destination):], payload)
	return buf, nil
}

func decodeRecoveryEnvelope(blob []byte) (destination string, payload []byte, err error) {
	if len(blob) < 2 {
		return "", nil, fmt.Errorf("broker: recovery envelope truncated")
	}
	n := binary.LittleEndian.Uint16(blob[0:2])
	if int(n)+2 > len(blob) {
		return "", nil, fmt.Errorf("broker: recovery envelope destination length out of range")
	}
	destination = string(blob[2 : 2+n])
	payload = append([]byte(nil), blob[2+n:]...)
	return destination, payload, nil
}
