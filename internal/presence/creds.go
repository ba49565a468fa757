package presence

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

// CredentialTTL is how long issued relay credentials stay valid.
const CredentialTTL = 90 * 24 * time.Hour

// Credentials is a TURN-style ephemeral credential pair derived from a
// relay's stamp secret. Clients and gateways derive the same pair
// independently; the relay verifies without any shared database.
type Credentials struct {
	Username  string
	Password  string
	ExpiresAt time.Time
}

// DeriveCredentials computes credentials valid until now+TTL. The username
// embeds the expiry so the relay can check it before verifying the MAC.
func DeriveCredentials(stampSecret, salt string, now time.Time) Credentials {
	expiresAt := now.Add(CredentialTTL).UTC()
	username := fmt.Sprintf("%d:%s", expiresAt.Unix(), salt)

	mac := hmac.New(sha1.New, []byte(stampSecret))
	mac.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return Credentials{Username: username, Password: password, ExpiresAt: expiresAt}
}
