package protocol

import "context"

// Authenticator validates the opaque credential blob carried by a
// handshake. The engine never interprets the blob; it only forwards it
// here once per connection and proceeds on acceptance.
type Authenticator interface {
	Validate(ctx context.Context, credentials []byte) error
}

type AuthenticatorFunc func(ctx context.Context, credentials []byte) error

func (f AuthenticatorFunc) Validate(ctx context.Context, credentials []byte) error {
	return f(ctx, credentials)
}

// AllowAll accepts every credential blob. Useful for tests and closed
// deployments where the socket itself is the trust boundary.
func AllowAll() Authenticator {
	return AuthenticatorFunc(func(context.Context, []byte) error {
		return nil
	})
}
