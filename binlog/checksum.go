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
	"hash/crc32"
)

// Checksum computes the CRC32 of a frame (header and body, no trailer).
// The in-use flag is masked out so that a log closed cleanly and one still
// open produce the same checksum for their FormatDescription event.
func Checksum(frame []byte) uint32 {
	flags := binary.LittleEndian.Uint16(frame[offsetFlags:])
	if flags&FlagBinlogInUse == 0 {
		return crc32.ChecksumIEEE(frame)
	}
	var masked [2]byte
	binary.LittleEndian.PutUint16(masked[:], flags&^FlagBinlogInUse)
	crc := crc32.Update(0, crc32.IEEETable, frame[:offsetFlags])
	crc = crc32.Update(crc, crc32.IEEETable, masked[:])
	return crc32.Update(crc, crc32.IEEETable, frame[offsetFlags+2:])
}

// appendChecksum appends the CRC32 trailer of frame.
func appendChecksum(frame []byte) []byte {
	return appendUint32(frame, Checksum(frame))
}

// VerifyChecksum checks the trailer of a complete frame.
func VerifyChecksum(pos uint32, frame []byte) error {
	if len(frame) < HeaderLen+ChecksumLen {
		return ErrMalformedFrame.New("checksummed", pos, "frame shorter than header and trailer")
	}
	body := frame[:len(frame)-ChecksumLen]
	stored := binary.LittleEndian.Uint32(frame[len(body):])
	if computed := Checksum(body); computed != stored {
		return ErrChecksumMismatch.New(pos, stored, computed)
	}
	return nil
}
