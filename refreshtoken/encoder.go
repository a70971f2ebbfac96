package refreshtoken

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

const recordFormatVersion = 1

// Encode serializes a record to the compact binary form stored in Redis.
// Layout: version byte, then length-prefixed ID, OwnerID and SecretHash,
// then three big-endian unix-second timestamps (RevokedAt zero when active).
func Encode(rec *Record) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(recordFormatVersion)

	for _, field := range []string{rec.ID, rec.OwnerID, rec.SecretHash} {
		if len(field) > 255 {
			return nil, errors.New("record field too long")
		}
		buf.WriteByte(byte(len(field)))
		buf.WriteString(field)
	}

	var revokedAt int64
	if !rec.RevokedAt.IsZero() {
		revokedAt = rec.RevokedAt.Unix()
	}
	for _, ts := range []int64{rec.IssuedAt.Unix(), rec.ExpiresAt.Unix(), revokedAt} {
		if err := binary.Write(&buf, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func Decode(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != recordFormatVersion {
		return nil, errors.New("invalid record version")
	}

	rec := &Record{}
	for _, dst := range []*string{&rec.ID, &rec.OwnerID, &rec.SecretHash} {
		n, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(reader, b); err != nil {
			return nil, err
		}
		*dst = string(b)
	}

	var issuedAt, expiresAt, revokedAt int64
	for _, dst := range []*int64{&issuedAt, &expiresAt, &revokedAt} {
		if err := binary.Read(reader, binary.BigEndian, dst); err != nil {
			return nil, err
		}
	}
	rec.IssuedAt = time.Unix(issuedAt, 0).UTC()
	rec.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	if revokedAt != 0 {
		rec.RevokedAt = time.Unix(revokedAt, 0).UTC()
	}

	if reader.Len() != 0 {
		return nil, errors.New("trailing bytes in record")
	}

	return rec, nil
}
