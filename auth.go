package broker

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mqttkit/broker/packet"
	"github.com/mqttkit/broker/session"
)

// Credentials is a flat username/password table loaded from the
// accounts_path file (spec §6): one "username,password" pair per line.
// It implements session.Authenticator (spec §4.3.1).
type Credentials struct {
	byUser map[string]string
}

// LoadCredentials reads a credentials file. A line with a separator
// count other than one comma, or a duplicate username, is rejected.
func LoadCredentials(path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseCredentials(f)
}

func parseCredentials(r io.Reader) (*Credentials, error) {
	byUser := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 2 {
			return nil, fmt.Errorf("broker: malformed credentials line %q", line)
		}
		user := fields[0]
		if _, dup := byUser[user]; dup {
			return nil, fmt.Errorf("broker: duplicate username %q in credentials file", user)
		}
		byUser[user] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &Credentials{byUser: byUser}, nil
}

// Authenticate implements session.Authenticator (spec §4.3.1): a missing
// user name fails NotAuthorized, a missing password fails
// BadUserNameOrPassword, an unknown user fails NotAuthorized, and a wrong
// password fails BadUserNameOrPassword.
func (c *Credentials) Authenticate(userName, password string, hasUserName, hasPassword bool) error {
	if !hasUserName {
		return &session.AuthError{Code: packet.NotAuthorized}
	}
	if !hasPassword {
		return &session.AuthError{Code: packet.BadUserNameOrPassword}
	}
	want, ok := c.byUser[userName]
	if !ok {
		return &session.AuthError{Code: packet.NotAuthorized}
	}
	if want != password {
		return &session.AuthError{Code: packet.BadUserNameOrPassword}
	}
	return nil
}
