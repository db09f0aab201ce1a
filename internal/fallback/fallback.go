package fallback

import "strings"

// rule maps a prompt keyword to a bundled illustration. Rules are
// evaluated in order; the first match wins.
type rule struct {
	keyword string
	image   string
}

var rules = []rule{
	{"세종대왕", "/images/fallback/sejong.png"},
	{"훈민정음", "/images/fallback/hunminjeongeum.png"},
	{"한글", "/images/fallback/hangul.png"},
	{"이순신", "/images/fallback/yi-sunsin.png"},
	{"거북선", "/images/fallback/geobukseon.png"},
	{"고구려", "/images/fallback/goguryeo.png"},
	{"백제", "/images/fallback/baekje.png"},
	{"신라", "/images/fallback/silla.png"},
	{"고려", "/images/fallback/goryeo.png"},
	{"조선", "/images/fallback/joseon.png"},
	{"독립운동", "/images/fallback/independence.png"},
	{"경복궁", "/images/fallback/gyeongbokgung.png"},
}

// DefaultImage is served when no keyword matches.
const DefaultImage = "/images/fallback/default.png"

// Resolve picks the deterministic fallback illustration for a prompt.
func Resolve(prompt string) string {
	for _, r := range rules {
		if strings.Contains(prompt, r.keyword) {
			return r.image
		}
	}
	return DefaultImage
}
