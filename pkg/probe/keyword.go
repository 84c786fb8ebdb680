package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/guardant/guardant/pkg/types"
)

// maxBodyBytes caps how much of a response body a keyword probe reads.
const maxBodyBytes = 1 << 20

// KeywordProber performs a web probe and additionally inspects the body for
// a keyword. typeConfig.shouldContain (default true) selects whether the
// keyword's presence or absence means up.
type KeywordProber struct {
	web *WebProber
}

// NewKeywordProber wraps an existing web prober.
func NewKeywordProber(web *WebProber) *KeywordProber {
	return &KeywordProber{web: web}
}

func (k *KeywordProber) Type() types.ServiceType {
	return types.ServiceTypeKeyword
}

func (k *KeywordProber) Probe(ctx context.Context, cmd *types.ProbeCommand) Outcome {
	keyword := cfgString(cmd.Service.TypeConfig, "keyword", "")
	if keyword == "" {
		return Outcome{
			Status:     types.StatusDown,
			Message:    "keyword probe requires typeConfig.keyword",
			ErrorClass: types.ErrClassValidation,
		}
	}

	// Body inspection needs GET regardless of the configured method.
	resp, out, ok := k.web.do(ctx, http.MethodGet, cmd.Service.Target, cmd)
	if !ok {
		return out
	}
	defer resp.Body.Close()

	out = k.web.evaluate(resp, cmd)
	if out.Status != types.StatusUp {
		return out
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return downFrom(err)
	}

	haystack := string(body)
	needle := keyword
	if !cfgBool(cmd.Service.TypeConfig, "caseSensitive", true) {
		haystack = strings.ToLower(haystack)
		needle = strings.ToLower(needle)
	}

	found := strings.Contains(haystack, needle)
	shouldContain := cfgBool(cmd.Service.TypeConfig, "shouldContain", true)
	if found == shouldContain {
		out.Details = withDetail(out.Details, "keywordFound", found)
		return out
	}

	verb := "not found"
	if found {
		verb = "unexpectedly present"
	}
	return Outcome{
		Status:     types.StatusDown,
		StatusCode: out.StatusCode,
		Message:    fmt.Sprintf("keyword %q %s", keyword, verb),
		ErrorClass: types.ErrClassValidation,
		Details:    withDetail(out.Details, "keywordFound", found),
	}
}

func withDetail(details map[string]any, key string, v any) map[string]any {
	if details == nil {
		details = make(map[string]any)
	}
	details[key] = v
	return details
}
