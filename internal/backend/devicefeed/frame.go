package devicefeed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var errBadFrame = errors.New("Bad frame")

const (
	startByte   byte = 0x99
	endByte     byte = '\n'
	frameHeader      = 4
	maxPayload       = 0xFFFF
)

// ReadMessage reads one frame: start byte, protocol byte, little-endian
// payload length, payload, newline. Payload aliases msg.Buffer.
func ReadMessage(r io.Reader, msg *FrameMessage) error {
	var length int //length field

	if len(msg.Buffer) < frameHeader+1 {
		return fmt.Errorf("buffer too small")
	}

	_, err := io.ReadFull(r, msg.Buffer[:frameHeader])
	if err != nil {
		return err
	}
	//check startbit type
	if msg.Buffer[0] != startByte {
		return errBadFrame
	}
	length = int(binary.LittleEndian.Uint16(msg.Buffer[2:4]))
	msg.Protocol = msg.Buffer[1]
	msg.Length = length + frameHeader + 1

	if len(msg.Buffer) < msg.Length {
		return fmt.Errorf("buffer too small for frame of %d bytes", msg.Length)
	}

	_, err = io.ReadFull(r, msg.Buffer[frameHeader:msg.Length])
	if err != nil {
		return err
	}
	if msg.Buffer[msg.Length-1] != endByte {
		return errBadFrame
	}

	msg.Payload = msg.Buffer[frameHeader : msg.Length-1]
	return nil
}

func AppendFrame(buf []byte, protocol byte, payload []byte) ([]byte, error) {
	if len(payload) > maxPayload {
		return buf, fmt.Errorf("payload of %d bytes does not fit a frame", len(payload))
	}
	buf = append(buf, startByte, protocol, 0, 0)
	binary.LittleEndian.PutUint16(buf[len(buf)-2:], uint16(len(payload)))
	buf = append(buf, payload...)
	return append(buf, endByte), nil
}

func WriteMessage(w io.Writer, protocol byte, payload []byte) error {
	b, err := AppendFrame(make([]byte, 0, len(payload)+frameHeader+1), protocol, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
