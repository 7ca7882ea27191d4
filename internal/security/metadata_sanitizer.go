package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// maxMetadataValueLen はメタデータ値の最大長（rune数）。
const maxMetadataValueLen = 512

// MetadataSanitizer は認証バックエンドから受け取ったプロフィール情報を無害化する。
// 値はすべてプレーンテキストとして扱い、HTMLタグは除去する。
type MetadataSanitizer struct {
	policy  *bluemonday.Policy
	urlKeys map[string]struct{}
}

// NewMetadataSanitizer はMetadataSanitizerを生成する。
// urlKeysに指定したキーの値は、https URLでなければ破棄する。
func NewMetadataSanitizer(urlKeys ...string) *MetadataSanitizer {
	keys := make(map[string]struct{}, len(urlKeys))
	for _, k := range urlKeys {
		keys[k] = struct{}{}
	}
	return &MetadataSanitizer{
		policy:  bluemonday.StrictPolicy(),
		urlKeys: keys,
	}
}

// SanitizeValue は1つの値からHTMLを除去し、前後の空白を詰めて長さを制限する。
// 出力はエスケープされていないプレーンテキストで、表示側でエスケープする。
func (s *MetadataSanitizer) SanitizeValue(v string) string {
	clean := strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(v)))
	if r := []rune(clean); len(r) > maxMetadataValueLen {
		clean = string(r[:maxMetadataValueLen])
	}
	return clean
}

// Sanitize は文字列値のみを取り出し、無害化したマップを返す。
// 空になった値とURLとして不正な値は含めない。入力がnilまたは空の場合はnilを返す。
func (s *MetadataSanitizer) Sanitize(raw map[string]any) map[string]string {
	if len(raw) == 0 {
		return nil
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue
		}
		if _, isURL := s.urlKeys[k]; isURL {
			if u, ok := httpsURL(str); ok {
				out[k] = u
			}
			continue
		}
		if clean := s.SanitizeValue(str); clean != "" {
			out[k] = clean
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func httpsURL(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !strings.EqualFold(u.Scheme, "https") || u.Host == "" {
		return "", false
	}
	return u.String(), true
}
