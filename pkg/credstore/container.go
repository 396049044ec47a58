package credstore

import (
	"bytes"
	"crypto/x509"
	"encoding/binary"
	"fmt"
)

// record is a container entry as held in memory: plaintext chain, but a
// private key (when present) stays sealed under its own entry password
// until Get is called.
type record struct {
	alias string
	kind  Kind

	keySalt       []byte
	keyNonce      []byte
	keyCiphertext []byte

	chain []*x509.Certificate // leaf first
	cert  *x509.Certificate   // KindTrustedCert only
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil && n > 0 {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	return b, nil
}

// encodeRecords serialises the record set into the plaintext blob that
// gets sealed once under the store password.
func encodeRecords(records map[string]*record) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(records)))

	for alias, rec := range records {
		writeBytes(&buf, []byte(alias))
		buf.WriteByte(byte(rec.kind))

		switch rec.kind {
		case KindPrivateKeyChain:
			writeBytes(&buf, rec.keySalt)
			writeBytes(&buf, rec.keyNonce)
			writeBytes(&buf, rec.keyCiphertext)
			_ = binary.Write(&buf, binary.BigEndian, uint16(len(rec.chain)))
			for _, cert := range rec.chain {
				writeBytes(&buf, cert.Raw)
			}
		case KindTrustedCert:
			writeBytes(&buf, rec.cert.Raw)
		}
	}
	return buf.Bytes()
}

// decodeRecords parses the plaintext blob produced by encodeRecords.
func decodeRecords(data []byte) (map[string]*record, error) {
	r := bytes.NewReader(data)

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}

	records := make(map[string]*record, count)
	for i := uint32(0); i < count; i++ {
		aliasBytes, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
		}
		rec := &record{alias: string(aliasBytes), kind: Kind(kindByte)}

		switch rec.kind {
		case KindPrivateKeyChain:
			if rec.keySalt, err = readBytes(r); err != nil {
				return nil, err
			}
			if rec.keyNonce, err = readBytes(r); err != nil {
				return nil, err
			}
			if rec.keyCiphertext, err = readBytes(r); err != nil {
				return nil, err
			}
			var chainLen uint16
			if err := binary.Read(r, binary.BigEndian, &chainLen); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
			}
			for j := uint16(0); j < chainLen; j++ {
				der, err := readBytes(r)
				if err != nil {
					return nil, err
				}
				cert, err := x509.ParseCertificate(der)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
				}
				rec.chain = append(rec.chain, cert)
			}
		case KindTrustedCert:
			der, err := readBytes(r)
			if err != nil {
				return nil, err
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
			}
			rec.cert = cert
		default:
			return nil, fmt.Errorf("%w: unknown entry kind %d", ErrStoreCorrupt, kindByte)
		}

		records[rec.alias] = rec
	}
	return records, nil
}
