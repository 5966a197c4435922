package auth

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// AnonymousMatcher recognises demo/guest accounts by their email address.
type AnonymousMatcher struct {
	re *regexp.Regexp
}

func NewAnonymousMatcher(pattern string) (*AnonymousMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &AnonymousMatcher{re: re}, nil
}

func (m *AnonymousMatcher) IsAnonymous(id Identity) bool {
	if m == nil || m.re == nil {
		return false
	}
	return m.re.MatchString(strings.ToLower(strings.TrimSpace(id.Email)))
}

// NewGuestIdentity mints a fresh anonymous identity under domain.
func NewGuestIdentity(domain string) Identity {
	tag := strings.ReplaceAll(uuid.NewString(), "-", "")
	return Identity{
		UserID: "guest-" + tag,
		Email:  fmt.Sprintf("guest-%s@%s", tag[:16], strings.ToLower(domain)),
	}
}
