package packet

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var testSender = uuid.UUID{
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
}

var casesPacket = []struct {
	name string
	enc  []byte
	dec  Packet
}{
	{
		"auth",
		[]byte{
			0x01,
			0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
			0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
			0x00, 0x00, 0x00, 0x05,
			'a', 'l', 'i', 'c', 'e',
		},
		&Auth{
			Sender:   testSender,
			Username: "alice",
		},
	},
	{
		"auth with sample rate",
		[]byte{
			0x01,
			0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
			0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
			0x00, 0x00, 0x00, 0x05,
			'a', 'l', 'i', 'c', 'e',
			0x00, 0x00, 0xbb, 0x80,
		},
		&Auth{
			Sender:     testSender,
			Username:   "alice",
			SampleRate: 48000,
		},
	},
	{
		"audio",
		[]byte{
			0x02, 0x01,
			0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
			0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
			0x00, 0x00, 0x00, 0x07,
			0x00, 0x00, 0x00, 0x04,
			0xaa, 0xbb, 0xcc, 0xdd,
		},
		&Audio{
			Codec:    CodecOpus,
			Sender:   testSender,
			Sequence: 7,
			Payload:  []byte{0xaa, 0xbb, 0xcc, 0xdd},
		},
	},
	{
		"audio with position",
		[]byte{
			0x02, 0x81,
			0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
			0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
			0x00, 0x00, 0x00, 0x08,
			0x00, 0x00, 0x00, 0x02,
			0x01, 0x02,
			0x3f, 0xc0, 0x00, 0x00,
			0xc0, 0x00, 0x00, 0x00,
			0x42, 0x80, 0x00, 0x00,
		},
		&Audio{
			Codec:    CodecOpus,
			Sender:   testSender,
			Sequence: 8,
			Payload:  []byte{0x01, 0x02},
			Position: &Position{X: 1.5, Y: -2, Z: 64},
		},
	},
	{
		"auth ack",
		[]byte{
			0x03,
			0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
			0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
			0x00,
			0x00, 0x03,
			'o', 'k', '!',
		},
		&AuthAck{
			Client:  testSender,
			Reason:  AckAccepted,
			Message: "ok!",
		},
	},
	{
		"auth ack rejected with sample rate",
		[]byte{
			0x03,
			0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
			0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
			0x03,
			0x00, 0x04,
			'n', 'o', 'p', 'e',
			0x00, 0x00, 0xbb, 0x80,
		},
		&AuthAck{
			Client:     testSender,
			Reason:     AckInvalidCredentials,
			Message:    "nope",
			SampleRate: 48000,
		},
	},
	{
		"disconnect",
		[]byte{
			0x04,
			0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
			0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
		},
		&Disconnect{
			Client: testSender,
		},
	},
}

func TestUnmarshal(t *testing.T) {
	for _, ca := range casesPacket {
		t.Run(ca.name, func(t *testing.T) {
			dec, err := Unmarshal(ca.enc)
			require.NoError(t, err)
			require.Equal(t, ca.dec, dec)
		})
	}
}

func TestMarshal(t *testing.T) {
	for _, ca := range casesPacket {
		t.Run(ca.name, func(t *testing.T) {
			enc, err := Marshal(ca.dec)
			require.NoError(t, err)
			require.Equal(t, ca.enc, enc)
		})
	}
}

func TestUnmarshalLegacyAudio(t *testing.T) {
	// sender whose first byte is not a codec tag, no codec byte, no position.
	sender := uuid.UUID{
		0x9f, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
	}

	dec, err := Unmarshal([]byte{
		0x02,
		0x9f, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
		0x00, 0x00, 0x00, 0x09,
		0x00, 0x00, 0x00, 0x03,
		0x05, 0x06, 0x07,
	})
	require.NoError(t, err)
	require.Equal(t, &Audio{
		Codec:    CodecPCM,
		Sender:   sender,
		Sequence: 9,
		Payload:  []byte{0x05, 0x06, 0x07},
	}, dec)
}

func TestUnmarshalErrors(t *testing.T) {
	for _, ca := range []struct {
		name string
		enc  []byte
		err  string
	}{
		{
			"empty",
			[]byte{},
			"empty packet",
		},
		{
			"oversize",
			append([]byte{0x02, 0x01}, make([]byte, 999)...),
			"packet exceeds maximum size (1001 > 1000)",
		},
		{
			"unknown type",
			[]byte{0x07, 0x01, 0x02},
			"unknown packet type: 0x07",
		},
		{
			"auth too short",
			[]byte{0x01, 0x01, 0x02},
			"not enough bytes",
		},
		{
			"auth bad username length",
			[]byte{
				0x01,
				0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
				0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
				0x00, 0x00, 0x00, 0x09,
				'a', 'l',
			},
			"invalid username length",
		},
		{
			"audio too short",
			append([]byte{0x02, 0x01}, make([]byte, 10)...),
			"not enough bytes",
		},
		{
			"audio empty payload",
			[]byte{
				0x02, 0x01,
				0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
				0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
				0x00, 0x00, 0x00, 0x07,
				0x00, 0x00, 0x00, 0x00,
			},
			"empty audio payload",
		},
		{
			"audio size mismatch",
			[]byte{
				0x02, 0x01,
				0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
				0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
				0x00, 0x00, 0x00, 0x07,
				0x00, 0x00, 0x00, 0x09,
				0xaa, 0xbb,
			},
			"audio payload size mismatch",
		},
		{
			"audio position flag without position",
			[]byte{
				0x02, 0x81,
				0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
				0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
				0x00, 0x00, 0x00, 0x07,
				0x00, 0x00, 0x00, 0x02,
				0xaa, 0xbb,
				0x3f, 0xc0, 0x00, 0x00,
			},
			"audio payload size mismatch",
		},
		{
			"auth ack bad message length",
			[]byte{
				0x03,
				0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
				0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
				0x00,
				0x00, 0x09,
				'o', 'k',
			},
			"invalid message length",
		},
		{
			"disconnect bad size",
			[]byte{0x04, 0x01, 0x02},
			"invalid packet size",
		},
	} {
		t.Run(ca.name, func(t *testing.T) {
			_, err := Unmarshal(ca.enc)
			require.EqualError(t, err, ca.err)
		})
	}
}

func TestMarshalAudioErrors(t *testing.T) {
	_, err := Marshal(&Audio{
		Codec:    CodecOpus,
		Sender:   testSender,
		Sequence: 1,
	})
	require.EqualError(t, err, "empty audio payload")

	_, err = Marshal(&Audio{
		Codec:    CodecOpus,
		Sender:   testSender,
		Sequence: 1,
		Payload:  make([]byte, 1000),
	})
	require.EqualError(t, err, "packet exceeds maximum size (1026 > 1000)")
}

func TestAppendAudio(t *testing.T) {
	au := &Audio{
		Codec:    CodecOpus,
		Sender:   testSender,
		Sequence: 3,
		Payload:  []byte{0x0a, 0x0b, 0x0c},
		Position: &Position{X: 1, Y: 2, Z: 3},
	}

	enc, err := Marshal(au)
	require.NoError(t, err)

	buf := make([]byte, 0, au.Size())
	buf = AppendAudio(buf, au)
	require.Equal(t, enc, buf)
	require.Equal(t, au.Size(), cap(buf))

	dec, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, au, dec)
}

func TestWithPosition(t *testing.T) {
	au := &Audio{
		Codec:    CodecOpus,
		Sender:   testSender,
		Sequence: 3,
		Payload:  []byte{0x0a, 0x0b, 0x0c},
	}

	flat := AppendAudio(make([]byte, 0, au.Size()), au)
	flatCopy := append([]byte(nil), flat...)

	buf := WithPosition(flat, Position{X: 1, Y: 2, Z: 3})
	require.Equal(t, au.Size()+12, cap(buf))
	require.Equal(t, flatCopy, flat)

	dec, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, &Audio{
		Codec:    CodecOpus,
		Sender:   testSender,
		Sequence: 3,
		Payload:  []byte{0x0a, 0x0b, 0x0c},
		Position: &Position{X: 1, Y: 2, Z: 3},
	}, dec)
}
