package stores

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CheckHealth verifies the critical operations of a Store by writing,
// reading back, listing, and removing a uniquely named probe object under
// ".health/". It's tolerant of concurrent checks by multiple processes
// against the same store.
func CheckHealth(ctx context.Context, s Store) error {
	const testContent = "health-check\n"
	var name = "probe-" + uuid.NewString()
	var testPath = ".health/" + name

	// 1. PUT test file
	var content = strings.NewReader(testContent)
	if err := s.Put(ctx, testPath, content, int64(len(testContent)), ""); err != nil {
		return fmt.Errorf("health check PUT failed: %w", err)
	}

	// 2. GET and verify content
	var err error
	var rc io.ReadCloser
	if rc, err = s.Get(ctx, testPath); err != nil {
		return fmt.Errorf("health check GET failed: %w", err)
	} else if rc == nil {
		return fmt.Errorf("health check GET returned nil reader")
	}

	var buf bytes.Buffer
	_, err = io.Copy(&buf, rc)
	rc.Close()

	if err != nil {
		return fmt.Errorf("health check read failed: %w", err)
	} else if buf.String() != testContent {
		return fmt.Errorf("health check content mismatch: got %q, want %q", buf.String(), testContent)
	}

	// 3. LIST and verify file appears
	var found bool
	err = s.List(ctx, ".health/", func(path string, modTime time.Time) error {
		if path == name {
			found = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("health check LIST failed: %w", err)
	} else if !found {
		return fmt.Errorf("health check LIST did not find test file")
	}

	// 4. Fetch through a signed URL, where the store offers HTTP(S) URLs.
	var signedURL string
	if signedURL, err = s.SignGet(testPath, 5*time.Minute); err != nil {
		return fmt.Errorf("health check SignGet failed: %w", err)
	} else if strings.HasPrefix(signedURL, "http") {
		if err = fetchSigned(ctx, signedURL, testContent); err != nil {
			return err
		}
	}

	// 5. REMOVE the test file
	if err = s.Remove(ctx, testPath); err != nil {
		return fmt.Errorf("health check REMOVE failed: %w", err)
	}
	return nil
}

func fetchSigned(ctx context.Context, signedURL, expect string) error {
	var req, err = http.NewRequestWithContext(ctx, "GET", signedURL, nil)
	if err != nil {
		return fmt.Errorf("health check request creation failed: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check fetch returned status %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err = io.Copy(&buf, resp.Body); err != nil {
		return fmt.Errorf("health check fetch read failed: %w", err)
	} else if buf.String() != expect {
		return fmt.Errorf("health check fetch content mismatch: got %q, want %q", buf.String(), expect)
	}
	return nil
}
