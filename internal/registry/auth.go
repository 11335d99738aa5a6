package registry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	regroup "github.com/oriser/regroup"

	"github.com/mydocker/runtime/internal/errkind"
)

// bearerChallenge is the parsed form of a "WWW-Authenticate: Bearer
// realm=...,service=...,scope=..." header, per spec.md §4.A step 1.
type bearerChallenge struct {
	Realm   string `regroup:"realm"`
	Service string `regroup:"service"`
	Scope   string `regroup:"scope"`
}

var challengeRegex = regroup.MustCompile(
	`(?i)Bearer\s+realm="(?P<realm>[^"]*)"\s*,\s*service="(?P<service>[^"]*)"\s*,\s*scope="(?P<scope>[^"]*)"`,
)

// session is the credential cache persisted to config.Config.SessionFile
// between CLI invocations, per SPEC_FULL.md §4.A.1.
type session struct {
	Token  string `json:"token"`
	Scheme string `json:"scheme"`
}

func loadSession(path string) (session, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return session{}, false
	}
	var s session
	if err := json.Unmarshal(data, &s); err != nil || s.Token == "" {
		return session{}, false
	}
	return s, true
}

func saveSession(path string, s session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: marshal session: %v", errkind.Network, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("%w: persist session to %s: %v", errkind.Network, path, err)
	}
	return nil
}

// authenticate runs the bearer-token dance of spec.md §4.A step 1-2 against
// the WWW-Authenticate challenge carried on a 401 response.
func (c *Client) authenticate(resp *http.Response) (session, error) {
	challengeHeader := resp.Header.Get("WWW-Authenticate")
	if challengeHeader == "" {
		return session{}, fmt.Errorf("%w: 401 response carried no WWW-Authenticate header", errkind.Auth)
	}

	var ch bearerChallenge
	if err := challengeRegex.MatchToTarget(challengeHeader, &ch); err != nil {
		return session{}, fmt.Errorf("%w: malformed WWW-Authenticate header %q: %v", errkind.Auth, challengeHeader, err)
	}

	query := fmt.Sprintf("%s?service=%s&scope=%s", ch.Realm, url.QueryEscape(ch.Service), url.QueryEscape(ch.Scope))
	req, err := http.NewRequest(http.MethodGet, query, nil)
	if err != nil {
		return session{}, fmt.Errorf("%w: building token request: %v", errkind.Auth, err)
	}

	tokResp, err := c.http.Do(req)
	if err != nil {
		return session{}, fmt.Errorf("%w: requesting token from %s: %v", errkind.Network, ch.Realm, err)
	}
	defer tokResp.Body.Close()

	if tokResp.StatusCode != http.StatusOK {
		return session{}, fmt.Errorf("%w: token endpoint returned %s", errkind.Auth, tokResp.Status)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(tokResp.Body).Decode(&body); err != nil {
		return session{}, fmt.Errorf("%w: decoding token response: %v", errkind.Auth, err)
	}
	if body.Token == "" {
		return session{}, fmt.Errorf("%w: token response carried no token field", errkind.Auth)
	}

	s := session{Token: body.Token, Scheme: "Bearer"}
	if err := saveSession(c.cfg.SessionFile, s); err != nil {
		c.log.Warnw("could not persist registry session", "error", err)
	}
	return s, nil
}
