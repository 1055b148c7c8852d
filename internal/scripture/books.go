package scripture

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Book is one canonical book table entry. Key is the identifier used on the
// chapter API path, Name the English name, CUVName the Chinese Union Version
// display name.
type Book struct {
	Key      string
	Name     string
	CUVName  string
	Chapters int
}

// Books is the canonical 66-book table in canon order.
var Books = []Book{
	{"genesis", "Genesis", "創世記", 50},
	{"exodus", "Exodus", "出埃及記", 40},
	{"leviticus", "Leviticus", "利未記", 27},
	{"numbers", "Numbers", "民數記", 36},
	{"deuteronomy", "Deuteronomy", "申命記", 34},
	{"joshua", "Joshua", "約書亞記", 24},
	{"judges", "Judges", "士師記", 21},
	{"ruth", "Ruth", "路得記", 4},
	{"1samuel", "1 Samuel", "撒母耳記上", 31},
	{"2samuel", "2 Samuel", "撒母耳記下", 24},
	{"1kings", "1 Kings", "列王紀上", 22},
	{"2kings", "2 Kings", "列王紀下", 25},
	{"1chronicles", "1 Chronicles", "歷代志上", 29},
	{"2chronicles", "2 Chronicles", "歷代志下", 36},
	{"ezra", "Ezra", "以斯拉記", 10},
	{"nehemiah", "Nehemiah", "尼希米記", 13},
	{"esther", "Esther", "以斯帖記", 10},
	{"job", "Job", "約伯記", 42},
	{"psalms", "Psalms", "詩篇", 150},
	{"proverbs", "Proverbs", "箴言", 31},
	{"ecclesiastes", "Ecclesiastes", "傳道書", 12},
	{"songofsolomon", "Song of Solomon", "雅歌", 8},
	{"isaiah", "Isaiah", "以賽亞書", 66},
	{"jeremiah", "Jeremiah", "耶利米書", 52},
	{"lamentations", "Lamentations", "耶利米哀歌", 5},
	{"ezekiel", "Ezekiel", "以西結書", 48},
	{"daniel", "Daniel", "但以理書", 12},
	{"hosea", "Hosea", "何西阿書", 14},
	{"joel", "Joel", "約珥書", 3},
	{"amos", "Amos", "阿摩司書", 9},
	{"obadiah", "Obadiah", "俄巴底亞書", 1},
	{"jonah", "Jonah", "約拿書", 4},
	{"micah", "Micah", "彌迦書", 7},
	{"nahum", "Nahum", "那鴻書", 3},
	{"habakkuk", "Habakkuk", "哈巴谷書", 3},
	{"zephaniah", "Zephaniah", "西番雅書", 3},
	{"haggai", "Haggai", "哈該書", 2},
	{"zechariah", "Zechariah", "撒迦利亞書", 14},
	{"malachi", "Malachi", "瑪拉基書", 4},
	{"matthew", "Matthew", "馬太福音", 28},
	{"mark", "Mark", "馬可福音", 16},
	{"luke", "Luke", "路加福音", 24},
	{"john", "John", "約翰福音", 21},
	{"acts", "Acts", "使徒行傳", 28},
	{"romans", "Romans", "羅馬書", 16},
	{"1corinthians", "1 Corinthians", "哥林多前書", 16},
	{"2corinthians", "2 Corinthians", "哥林多後書", 13},
	{"galatians", "Galatians", "加拉太書", 6},
	{"ephesians", "Ephesians", "以弗所書", 6},
	{"philippians", "Philippians", "腓立比書", 4},
	{"colossians", "Colossians", "歌羅西書", 4},
	{"1thessalonians", "1 Thessalonians", "帖撒羅尼迦前書", 5},
	{"2thessalonians", "2 Thessalonians", "帖撒羅尼迦後書", 3},
	{"1timothy", "1 Timothy", "提摩太前書", 6},
	{"2timothy", "2 Timothy", "提摩太後書", 4},
	{"titus", "Titus", "提多書", 3},
	{"philemon", "Philemon", "腓利門書", 1},
	{"hebrews", "Hebrews", "希伯來書", 13},
	{"james", "James", "雅各書", 5},
	{"1peter", "1 Peter", "彼得前書", 5},
	{"2peter", "2 Peter", "彼得後書", 3},
	{"1john", "1 John", "約翰一書", 5},
	{"2john", "2 John", "約翰二書", 1},
	{"3john", "3 John", "約翰三書", 1},
	{"jude", "Jude", "猶大書", 1},
	{"revelation", "Revelation", "啟示錄", 22},
}

// maxBookDistance is the edit-distance ceiling for fuzzy name resolution.
const maxBookDistance = 2

// BookByKey looks up a book by its canonical key.
func BookByKey(key string) (Book, bool) {
	key = normalizeBookName(key)
	for _, b := range Books {
		if b.Key == key {
			return b, true
		}
	}
	return Book{}, false
}

// BookByCUVName looks up a book by its Chinese display name.
func BookByCUVName(name string) (Book, bool) {
	for _, b := range Books {
		if b.CUVName == name {
			return b, true
		}
	}
	return Book{}, false
}

// ResolveBook maps a free-form book name (English key, English name or
// Chinese name, any casing and spacing) to a table entry. Exact matches on
// every form are tried first, then a bounded Levenshtein match against the
// normalized keys.
func ResolveBook(name string) (Book, bool) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return Book{}, false
	}
	if b, ok := BookByCUVName(trimmed); ok {
		return b, true
	}

	norm := normalizeBookName(trimmed)
	for _, b := range Books {
		if b.Key == norm || normalizeBookName(b.Name) == norm {
			return b, true
		}
	}

	best := Book{}
	bestDist := maxBookDistance + 1
	for _, b := range Books {
		d := matchr.Levenshtein(norm, b.Key)
		if d < bestDist {
			best, bestDist = b, d
		}
	}
	if bestDist <= maxBookDistance {
		return best, true
	}
	return Book{}, false
}

func normalizeBookName(name string) string {
	name = strings.ToLower(name)
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '_' || r == '-' || r == '.' {
			return -1
		}
		return r
	}, name)
}
