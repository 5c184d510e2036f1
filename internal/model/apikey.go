package model

import "time"

// APIKey is one issued bearer key. The raw key string is the lookup handle,
// so it is stored as-is and protected by a UNIQUE constraint. Only Revoked
// ever changes after insert.
type APIKey struct {
	ID        int64      `json:"id" db:"id"`
	Key       string     `json:"api_key" db:"api_key"`
	Owner     *string    `json:"owner" db:"owner"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt *time.Time `json:"expires_at" db:"expires_at"`
	Revoked   bool       `json:"revoked" db:"revoked"`
}

// Meta returns the public view of the key returned by a successful validation.
func (k *APIKey) Meta() KeyMeta {
	return KeyMeta{
		ID:        k.ID,
		Owner:     k.Owner,
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.ExpiresAt,
	}
}

// ExpiredAt reports whether the key has an expiry strictly before now.
func (k *APIKey) ExpiredAt(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// KeyMeta is the record minus the key string and the revoked flag.
type KeyMeta struct {
	ID        int64      `json:"id"`
	Owner     *string    `json:"owner"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// MaskKey shortens a raw key for logs: the first 7 and last 4 characters.
func MaskKey(key string) string {
	if len(key) <= 11 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
