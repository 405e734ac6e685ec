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
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Magic is written at the start of every log file.
var Magic = []byte{0xfe, 'b', 'i', 'n'}

// maxFrameLen bounds the frames a Reader accepts.
const maxFrameLen = 1 << 30

// Reader reads events from a log file.
type Reader struct {
	r   *bufio.Reader
	dec *Decoder
	pos uint32
	log *logrus.Entry
}

// NewReader checks the magic number and returns a reader positioned at the first event.
func NewReader(r io.Reader, dec *Decoder) (*Reader, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("reading log magic: %w", err)
	}
	if !bytes.Equal(magic, Magic) {
		return nil, fmt.Errorf("not a binary log: magic %x", magic)
	}
	return &Reader{
		r:   br,
		dec: dec,
		pos: uint32(len(Magic)),
		log: logrus.WithField("component", "binlog-reader"),
	}, nil
}

// Position returns the offset of the next frame.
func (r *Reader) Position() uint32 { return r.pos }

// Decoder returns the reader's decoder.
func (r *Reader) Decoder() *Decoder { return r.dec }

// Next returns the next event and the offset it was read from. Frames of
// unknown type are skipped. It returns io.EOF at a clean end of the log and
// io.ErrUnexpectedEOF for a truncated frame.
func (r *Reader) Next() (pos uint32, h Header, ev Event, err error) {
	for {
		pos = r.pos
		frame, err := r.readFrame()
		if err != nil {
			return pos, Header{}, nil, err
		}
		r.pos += uint32(len(frame))
		h, ev, err = r.dec.Decode(pos, frame)
		if ErrUnknownEventType.Is(err) {
			r.log.WithFields(logrus.Fields{
				"position": pos,
				"type":     h.Type,
			}).Debug("Skipping event of unknown type")
			continue
		}
		return pos, h, ev, err
	}
}

func (r *Reader) readFrame() ([]byte, error) {
	header := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r.r, header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	length, err := r.dec.FrameLength(header)
	if err != nil {
		return nil, err
	}
	if length < HeaderLen || length > maxFrameLen {
		return nil, ErrMalformedFrame.New("", r.pos, fmt.Sprintf("invalid frame length %d", length))
	}
	frame := make([]byte, length)
	copy(frame, header)
	if _, err := io.ReadFull(r.r, frame[HeaderLen:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// Writer writes events to a log file, assigning positions.
type Writer struct {
	w   io.Writer
	enc *Encoder
	pos uint32
}

// NewWriter writes the magic number and returns a writer for the first event.
func NewWriter(w io.Writer, enc *Encoder) (*Writer, error) {
	if _, err := w.Write(Magic); err != nil {
		return nil, err
	}
	return &Writer{w: w, enc: enc, pos: uint32(len(Magic))}, nil
}

// Position returns the offset the next event will be written at.
func (w *Writer) Position() uint32 { return w.pos }

// Write frames and writes ev, returning the offset it was written at.
func (w *Writer) Write(h Header, ev Event) (uint32, error) {
	pos := w.pos
	frame, err := w.enc.Encode(pos, h, ev)
	if err != nil {
		return pos, err
	}
	if _, err := w.w.Write(frame); err != nil {
		return pos, err
	}
	w.pos += uint32(len(frame))
	return pos, nil
}
