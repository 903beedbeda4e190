package protocol

import "io"

// WriteFrame encodes tag and payload as a frame and writes it to w.
func WriteFrame(w io.Writer, tag Tag, payload []byte) error {
	headerBuf := AcquireHeaderBuffer()
	defer ReleaseHeaderBuffer(headerBuf)

	h := Header{
		Magic:      Magic,
		Version:    Version,
		Tag:        tag,
		PayloadLen: uint32(len(payload)),
		CRC32:      ComputeCRC32(payload),
	}
	h.Encode(*headerBuf)

	if _, err := w.Write(*headerBuf); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}
