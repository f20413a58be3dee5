package syncengine

import (
	"errors"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// local identity derived from the access token claims. Verification is the
// backend's job; the engine only needs the claims to announce presence.
type TokenIdentity struct {
	UserId      string
	DisplayName string
	AvatarUrl   string
}

func ParseTokenIdentityUnverified(accessToken string) (*TokenIdentity, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(accessToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	identity := &TokenIdentity{}

	if sub, ok := claims["sub"].(string); ok {
		identity.UserId = sub
	}
	if identity.UserId == "" {
		return nil, errors.New("access token has no sub claim")
	}

	if metadata, ok := claims["user_metadata"].(map[string]any); ok {
		if displayName, ok := metadata["display_name"].(string); ok {
			identity.DisplayName = displayName
		}
		if avatarUrl, ok := metadata["avatar_url"].(string); ok {
			identity.AvatarUrl = avatarUrl
		}
	}
	if identity.DisplayName == "" {
		if name, ok := claims["name"].(string); ok {
			identity.DisplayName = name
		}
	}
	if identity.DisplayName == "" {
		identity.DisplayName = identity.UserId
	}

	return identity, nil
}

// PresenceEntry for this identity, joined now.
func (self *TokenIdentity) PresenceEntry(team string) PresenceEntry {
	return PresenceEntry{
		UserId:      self.UserId,
		DisplayName: self.DisplayName,
		AvatarUrl:   self.AvatarUrl,
		Team:        team,
		JoinedAt:    time.Now().UTC(),
	}
}
