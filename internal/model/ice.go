package model

import (
	"crypto/rand"
	"encoding/base64"
)

// ICECredentials is the ufrag/password pair both peers feed their ICE
// agents for one brokered connection.
type ICECredentials struct {
	UsernameFragment string `json:"username_fragment"`
	Password         string `json:"password"`
}

// GenerateICECredentials draws a fresh random pair.
func GenerateICECredentials() ICECredentials {
	return ICECredentials{
		UsernameFragment: randomToken(4),
		Password:         randomToken(22),
	}
}

// GeneratePresharedKey draws a 32-byte preshared key in base64.
func GeneratePresharedKey() string {
	var buf [32]byte
	_, _ = rand.Read(buf[:])
	return base64.StdEncoding.EncodeToString(buf[:])
}

func randomToken(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
