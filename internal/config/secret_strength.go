package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

const weakSecretScoreThreshold = 3

// IsWeakSecret returns whether the secret-key base is considered weak.
// Everything signed in the system (rendezvous refs, socket tokens) hangs
// off this value, so a guessable one is a boot error, not a warning.
func IsWeakSecret(secret string) bool {
	result := zxcvbn.PasswordStrength(secret, nil)
	return result.Score < weakSecretScoreThreshold
}
