// Command token mints HS256 bearer tokens whose subject becomes the sender a
// gate relays to its origin.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	var secret string
	var sender string
	var ttl time.Duration
	flag.StringVar(&secret, "secret", "dev-secret", "HS256 secret, matches auth.hmac_secret")
	flag.StringVar(&sender, "sender", "minter", "sender identity (sub claim)")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	s, err := mint(secret, sender, ttl, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, "token:", err)
		os.Exit(1)
	}
	fmt.Println(s)
}

func mint(secret, sender string, ttl time.Duration, now time.Time) (string, error) {
	if sender == "" {
		return "", fmt.Errorf("sender must not be empty")
	}
	claims := jwt.MapClaims{
		"sub": sender,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
