// Package qrparse извлекает структурированные поля из сырого текста QR-кода.
// Чистая функция, без I/O: правила применяются к токенам в фиксированном
// порядке приоритета.
package qrparse

import (
	"regexp"
	"strings"
)

// Candidate — разобранная, но ещё не подтверждённая оператором запись.
// Пустой Serial означает "серийник не найден": вызывающая сторона обязана
// отправить оператора на ручной ввод, автоматическая дедупликация невозможна.
type Candidate struct {
	Serial       string `json:"serial"`
	Grade        string `json:"grade"`
	RailType     string `json:"railType"`
	Spec         string `json:"spec"`
	LengthMeters string `json:"lengthMeters"`

	// Raw — очищенный текст (токены через пробел). parse(Raw) даёт те же поля.
	Raw string `json:"raw"`
}

var (
	reSerialLong  = regexp.MustCompile(`^[A-Z0-9]{12,}$`)
	reSerialShort = regexp.MustCompile(`^[A-Z0-9]{8,}$`)
	// Марка стали: SARxx либо профиль рельса (исторические пейлоады пишут
	// профиль и в поле марки; при совпадении с railType марка отбрасывается).
	reGrade    = regexp.MustCompile(`^(?:SAR\d{2}|R\d{3}(?:L?HT)?)$`)
	reRailType = regexp.MustCompile(`^R\d{3}(?:L?HT)?$`)
	reSpec     = regexp.MustCompile(`^(?:ATX|ATA|AREMA|UIC|EN\d*|GB\d*)$`)
	reSpecCode = regexp.MustCompile(`^[A-Z0-9]{2,}$`)
	reLength   = regexp.MustCompile(`^\d{1,3}(?:\.\d+)?M$`)
)

func isSeparator(r rune) bool {
	switch r {
	case ' ', '\t', '\r', '\n', '|', ',', ':', '/':
		return true
	}
	return false
}

// tokenize чистит непечатаемые символы и режет текст по разделителям.
func tokenize(raw string) []string {
	var b strings.Builder
	for _, r := range raw {
		if r == '\t' || r == '\r' || r == '\n' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return strings.FieldsFunc(b.String(), isSeparator)
}

// Parse разбирает декодированный текст QR-кода. Никогда не возвращает ошибку:
// отсутствие серийника кодируется пустым Serial.
func Parse(raw string) Candidate {
	tokens := tokenize(raw)
	upper := make([]string, len(tokens))
	for i, t := range tokens {
		upper[i] = strings.ToUpper(t)
	}

	var c Candidate
	c.Raw = strings.Join(tokens, " ")

	// Серийник: сперва строгий вариант (12+), затем запасной (8+).
	for _, u := range upper {
		if reSerialLong.MatchString(u) {
			c.Serial = u
			break
		}
	}
	if c.Serial == "" {
		for _, u := range upper {
			if reSerialShort.MatchString(u) {
				c.Serial = u
				break
			}
		}
	}

	for _, u := range upper {
		if reGrade.MatchString(u) {
			c.Grade = u
			break
		}
	}

	// Поиск останавливается на первом совпадении.
	for _, u := range upper {
		if reRailType.MatchString(u) {
			c.RailType = u
			break
		}
	}

	for i, u := range upper {
		if !reSpec.MatchString(u) {
			continue
		}
		c.Spec = u
		if i+1 < len(upper) && reSpecCode.MatchString(upper[i+1]) {
			c.Spec = u + " " + upper[i+1]
		}
		break
	}

	for i, u := range upper {
		if reLength.MatchString(u) {
			c.LengthMeters = tokens[i]
			break
		}
	}

	// Один и тот же токен дал и марку, и профиль: профиль авторитетнее.
	if c.Grade != "" && c.Grade == c.RailType {
		c.Grade = ""
	}

	return c
}
