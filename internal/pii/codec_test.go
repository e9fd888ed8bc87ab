package pii

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/suite"
)

type CodecSuite struct {
	suite.Suite
	codec *Codec
}

func TestCodecSuite(t *testing.T) {
	suite.Run(t, new(CodecSuite))
}

func (s *CodecSuite) SetupTest() {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	s.Require().NoError(err)

	s.codec, err = NewCodec(base64.StdEncoding.EncodeToString(key), "fingerprint-test-key")
	s.Require().NoError(err)
}

func (s *CodecSuite) TestNewCodec() {
	s.Run("missing keys are rejected", func() {
		_, err := NewCodec("", "fp")
		s.Error(err)
		_, err = NewCodec(base64.StdEncoding.EncodeToString(make([]byte, 32)), "")
		s.Error(err)
	})

	s.Run("wrong key length is rejected", func() {
		_, err := NewCodec(base64.StdEncoding.EncodeToString(make([]byte, 16)), "fp")
		s.Error(err)
	})

	s.Run("non-base64 key is rejected", func() {
		_, err := NewCodec("not-base64!!!", "fp")
		s.Error(err)
	})
}

func (s *CodecSuite) TestEncryptDecrypt() {
	fields := Fields{
		FullName:       "Jane Q. Citizen",
		DateOfBirth:    "1990-04-12",
		DocumentNumber: "P-1234567",
		ExpiryDate:     "2031-01-01",
		Nationality:    "NL",
	}

	s.Run("round trips the fields", func() {
		blob, err := s.codec.EncryptFields(fields)
		s.Require().NoError(err)
		s.NotContains(string(blob), "Jane")

		got, err := s.codec.DecryptFields(blob)
		s.Require().NoError(err)
		s.Equal(fields, got)
	})

	s.Run("each encryption uses a fresh nonce", func() {
		first, err := s.codec.EncryptFields(fields)
		s.Require().NoError(err)
		second, err := s.codec.EncryptFields(fields)
		s.Require().NoError(err)
		s.NotEqual(first, second)
	})

	s.Run("tampered ciphertext fails to open", func() {
		blob, err := s.codec.EncryptFields(fields)
		s.Require().NoError(err)
		blob[len(blob)-1] ^= 0xFF
		_, err = s.codec.DecryptFields(blob)
		s.Error(err)
	})

	s.Run("short blob fails cleanly", func() {
		_, err := s.codec.DecryptFields([]byte{0x01, 0x02})
		s.Error(err)
	})
}

func (s *CodecSuite) TestFingerprint() {
	s.Run("is deterministic", func() {
		s.Equal(s.codec.Fingerprint("P-1234567"), s.codec.Fingerprint("P-1234567"))
	})

	s.Run("normalizes formatting", func() {
		want := s.codec.Fingerprint("P1234567")
		s.Equal(want, s.codec.Fingerprint("p-123 45.67"))
	})

	s.Run("differs across numbers", func() {
		s.NotEqual(s.codec.Fingerprint("P1234567"), s.codec.Fingerprint("P1234568"))
	})

	s.Run("differs across keys", func() {
		other, err := NewCodec(base64.StdEncoding.EncodeToString(make([]byte, 32)), "another-key")
		s.Require().NoError(err)
		s.NotEqual(s.codec.Fingerprint("P1234567"), other.Fingerprint("P1234567"))
	})

	s.Run("empty input yields empty fingerprint", func() {
		s.Equal("", s.codec.Fingerprint("  - "))
	})
}
