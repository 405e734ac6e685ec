// Copyright 2024-2025 ApeCloud, Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package binlog

import (
	"encoding/binary"
	"fmt"
)

// Encoder frames events. It follows the dialect of the last FormatDescription
// it encoded, and encrypts every frame after a StartEncryption event.
type Encoder struct {
	format *FormatDescription
	keys   KeyProvider
	cipher Cipher
	crypt  *cryptoContext
}

// NewEncoder returns an encoder for the given dialect. keys may be nil if the
// log is never encrypted.
func NewEncoder(format *FormatDescription, keys KeyProvider, cipher Cipher) *Encoder {
	return &Encoder{format: format, keys: keys, cipher: cipher}
}

// Format returns the active dialect.
func (e *Encoder) Format() *FormatDescription { return e.format }

// Encode frames ev as the event written at offset pos of the log. The header's
// type and length are derived from ev. When pos is non-zero, next_position is
// set to the end of the frame; otherwise h.NextPosition is kept (events
// written to a transaction cache carry 0).
func (e *Encoder) Encode(pos uint32, h Header, ev Event) ([]byte, error) {
	t := ev.Type()
	codec, ok := codecs[t]
	if !ok {
		return nil, ErrUnknownEventType.New(t, pos)
	}
	format := e.format
	if fd, ok := ev.(*FormatDescription); ok {
		format = fd
	}
	body, err := codec.encode(format, ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %v event: %w", t, err)
	}

	headerLen := format.headerLen(t.Shape())
	total := headerLen + len(body)
	if format.checksummed(t) {
		total += ChecksumLen
	}
	h.Type = t
	h.EventLength = uint32(total)
	if pos != 0 {
		h.NextPosition = pos + uint32(total)
	}

	frame := make([]byte, headerLen, total)
	putHeader(frame, h, headerLen)
	frame = append(frame, body...)
	if format.checksummed(t) {
		if format.ChecksumAlg == ChecksumCRC32 {
			frame = appendChecksum(frame)
		} else {
			frame = append(frame, 0, 0, 0, 0)
		}
	}

	switch ev := ev.(type) {
	case *FormatDescription:
		// A new dialect starts a new log, which starts unencrypted.
		e.format = ev
		e.crypt = nil
		return frame, nil
	case *StartEncryption:
		crypt, err := newCryptoContext(e.keys, e.cipher, ev, pos)
		if err != nil {
			return nil, err
		}
		e.crypt = crypt
		return frame, nil
	}
	if e.crypt != nil {
		frame = e.crypt.encryptFrame(frame, pos)
	}
	return frame, nil
}

// Decoder parses frames. A decoded FormatDescription replaces the dialect used
// for every following frame, including its checksum algorithm; a decoded
// StartEncryption makes every following frame be decrypted.
type Decoder struct {
	format *FormatDescription
	keys   KeyProvider
	cipher Cipher
	crypt  *cryptoContext
}

// NewDecoder returns a decoder. format may be nil, in which case the first
// frame must be a FormatDescription or use the minimal header.
func NewDecoder(format *FormatDescription, keys KeyProvider, cipher Cipher) *Decoder {
	if format == nil {
		format = NewFormatDescription("", ChecksumOff)
	}
	return &Decoder{format: format, keys: keys, cipher: cipher}
}

// Format returns the active dialect.
func (d *Decoder) Format() *FormatDescription { return d.format }

// Encrypted reports whether frames are currently being decrypted.
func (d *Decoder) Encrypted() bool { return d.crypt != nil }

// FrameLength returns the total length of the frame whose first 19 bytes are
// header. For encrypted frames the length is the plaintext prefix.
func (d *Decoder) FrameLength(header []byte) (uint32, error) {
	if len(header) < HeaderLen {
		return 0, ErrMalformedFrame.New("short", 0, "header shorter than 19 bytes")
	}
	if d.crypt != nil {
		return binary.LittleEndian.Uint32(header), nil
	}
	return binary.LittleEndian.Uint32(header[offsetEventLength:]), nil
}

// Decode parses the frame found at offset pos.
func (d *Decoder) Decode(pos uint32, frame []byte) (Header, Event, error) {
	if len(frame) < HeaderLen {
		return Header{}, nil, ErrMalformedFrame.New("short", pos, fmt.Sprintf("%d bytes is shorter than a header", len(frame)))
	}
	if d.crypt != nil {
		if l := binary.LittleEndian.Uint32(frame); int(l) != len(frame) {
			return Header{}, nil, ErrMalformedFrame.New("encrypted", pos, fmt.Sprintf("length prefix %d, frame has %d bytes", l, len(frame)))
		}
		frame = d.crypt.decryptFrame(frame, pos)
	}

	t := EventType(frame[offsetType])
	if l := binary.LittleEndian.Uint32(frame[offsetEventLength:]); int(l) != len(frame) {
		return Header{}, nil, ErrMalformedFrame.New(t, pos, fmt.Sprintf("event_length %d, frame has %d bytes", l, len(frame)))
	}

	checksummed := d.format.checksummed(t)
	if checksummed {
		alg := d.format.ChecksumAlg
		if t == FormatDescriptionEvent {
			if len(frame) < HeaderLen+fdeFixedLen+1+ChecksumLen {
				return Header{}, nil, ErrMalformedFrame.New(t, pos, "format description too short")
			}
			alg = ChecksumAlg(frame[len(frame)-ChecksumLen-1])
		}
		if alg == ChecksumCRC32 {
			if err := VerifyChecksum(pos, frame); err != nil {
				return Header{}, nil, err
			}
		}
		frame = frame[:len(frame)-ChecksumLen]
	}

	headerLen := d.format.headerLen(t.Shape())
	if len(frame) < headerLen {
		return Header{}, nil, ErrMalformedFrame.New(t, pos, "frame shorter than the common header")
	}
	h := parseHeader(frame, headerLen)

	codec, ok := codecs[t]
	postHeaderLen, inTable := d.format.postHeaderLen(t)
	if !ok || (!inTable && t != FormatDescriptionEvent) {
		return h, nil, ErrUnknownEventType.New(t, pos)
	}
	body := frame[headerLen:]
	if t != FormatDescriptionEvent && len(body) < postHeaderLen {
		return h, nil, ErrMalformedFrame.New(t, pos, fmt.Sprintf("body of %d bytes, post-header needs %d", len(body), postHeaderLen))
	}
	ev, err := codec.decode(d.format, t, body)
	if err != nil {
		return h, nil, ErrMalformedFrame.New(t, pos, err.Error())
	}

	switch ev := ev.(type) {
	case *FormatDescription:
		d.format = ev
		d.crypt = nil
	case *StartEncryption:
		crypt, err := newCryptoContext(d.keys, d.cipher, ev, pos)
		if err != nil {
			return h, nil, err
		}
		d.crypt = crypt
	}
	return h, ev, nil
}
