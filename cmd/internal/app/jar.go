package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"arc/client/security/seal"
	sectoken "arc/client/security/token"
)

const jarStateVersion = 1

// jarState is the persisted shape of the cookie jar. http.CookieJar exposes
// only name/value pairs for an origin, so cookies are restored as session
// cookies; the next refresh response rewrites them with authoritative
// attributes.
type jarState struct {
	Version int         `json:"version"`
	SavedAt time.Time   `json:"saved_at"`
	Origin  string      `json:"origin"`
	Cookies []jarCookie `json:"cookies"`
}

type jarCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// saveJar seals the origin's cookies (the refresh transport among them) into
// path. The access token is never part of this file.
func saveJar(path, passphrase string, origin *url.URL, jar http.CookieJar, refreshCookieName string, log *slog.Logger) error {
	cookies := jar.Cookies(origin)

	state := jarState{
		Version: jarStateVersion,
		SavedAt: time.Now().UTC(),
		Origin:  origin.String(),
		Cookies: make([]jarCookie, 0, len(cookies)),
	}
	refreshFP := ""
	for _, c := range cookies {
		state.Cookies = append(state.Cookies, jarCookie{Name: c.Name, Value: c.Value})
		if c.Name == refreshCookieName {
			refreshFP = sectoken.FingerprintSHA256Hex(c.Value)
		}
	}

	plain, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal jar state: %w", err)
	}
	box, err := seal.DefaultConfig().Seal(plain, passphrase)
	if err != nil {
		return fmt.Errorf("seal jar state: %w", err)
	}
	if err := os.WriteFile(path, []byte(box), 0o600); err != nil {
		return fmt.Errorf("write jar state: %w", err)
	}

	log.Info("state.jar.saved", "path", path, "cookies", len(state.Cookies), "refresh_fp", refreshFP)
	return nil
}

// restoreJar loads a sealed jar state into jar. A missing file is a cold
// start, not an error. A state sealed for a different origin is skipped so a
// reconfigured daemon cannot leak one server's refresh credential to another.
func restoreJar(path, passphrase string, origin *url.URL, jar http.CookieJar, log *slog.Logger) error {
	box, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debug("state.jar.absent", "path", path)
			return nil
		}
		return fmt.Errorf("read jar state: %w", err)
	}

	plain, err := seal.Open(string(box), passphrase)
	if err != nil {
		return fmt.Errorf("open jar state: %w", err)
	}

	var state jarState
	if err := json.Unmarshal(plain, &state); err != nil {
		return fmt.Errorf("decode jar state: %w", err)
	}
	if state.Version != jarStateVersion {
		log.Warn("state.jar.version_skew", "got", state.Version, "want", jarStateVersion)
		return nil
	}
	if state.Origin != origin.String() {
		log.Warn("state.jar.origin_mismatch", "got", state.Origin, "want", origin.String())
		return nil
	}

	cookies := make([]*http.Cookie, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		if c.Name == "" {
			continue
		}
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
	}
	jar.SetCookies(origin, cookies)

	log.Info("state.jar.restored", "path", path, "cookies", len(cookies), "age", time.Since(state.SavedAt).Round(time.Second).String())
	return nil
}
