// Command jwt-mint signs RS256 bearer tokens for exercising a local dynrest
// server with OIDC authentication enabled.
package main

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

// notBeforeLeeway backdates nbf so a freshly minted token is usable on a
// server whose clock runs slightly behind.
const notBeforeLeeway = time.Minute

type mintOptions struct {
	keyPath       string
	kid           string
	issuer        string
	audience      []string
	subject       string
	identity      string
	identityClaim string
	roles         []string
	superuser     bool
	ttl           time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := mintOptions{subject: "user-1"}
	if u, err := user.Current(); err == nil {
		opts.subject = u.Username
	}

	cmd := &cobra.Command{
		Use:          "jwt-mint",
		Short:        "Sign a bearer token for local testing.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return mint(cmd.OutOrStdout(), opts, time.Now())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.keyPath, "key", ".auth/jwt_private.pem", "RSA private key in PEM form")
	flags.StringVar(&opts.kid, "kid", "local-key", "key id placed in the token header")
	flags.StringVar(&opts.issuer, "issuer", "https://localhost:9000", "iss claim")
	flags.StringSliceVar(&opts.audience, "audience", []string{"dynrest"}, "aud claim (repeatable)")
	flags.StringVar(&opts.subject, "subject", opts.subject, "sub claim")
	flags.StringVar(&opts.identity, "identity", "", "identity bound to $me in permission filters; numeric values stay numeric")
	flags.StringVar(&opts.identityClaim, "identity-claim", "sub", "claim that carries --identity")
	flags.StringSliceVar(&opts.roles, "role", nil, "role granted to the caller (repeatable)")
	flags.BoolVar(&opts.superuser, "superuser", false, "set the is_superuser claim")
	flags.DurationVar(&opts.ttl, "expires", time.Hour, "token lifetime")
	return cmd
}

func mint(out io.Writer, opts mintOptions, now time.Time) error {
	pem, err := os.ReadFile(opts.keyPath)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, buildClaims(opts, now))
	token.Header["kid"] = opts.kid
	signed, err := token.SignedString(key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, signed)
	return err
}

func buildClaims(opts mintOptions, now time.Time) jwt.MapClaims {
	claims := jwt.MapClaims{
		"iss": opts.issuer,
		"sub": opts.subject,
		"aud": opts.audience,
		"iat": now.Unix(),
		"nbf": now.Add(-notBeforeLeeway).Unix(),
		"exp": now.Add(opts.ttl).Unix(),
	}
	if opts.identity != "" {
		claims[opts.identityClaim] = identityValue(opts.identity)
	}
	if roles := trimmed(opts.roles); len(roles) > 0 {
		claims["roles"] = roles
	}
	if opts.superuser {
		claims["is_superuser"] = true
	}
	return claims
}

func trimmed(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// identityValue keeps numeric identities numeric so they compare equal to
// integer primary keys.
func identityValue(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	return raw
}
