package parser

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/maltedev/apparel-scraper/internal/models"
)

var genderTokens = map[string]models.Gender{
	"men":    models.GenderMan,
	"mens":   models.GenderMan,
	"man":    models.GenderMan,
	"male":   models.GenderMan,
	"him":    models.GenderMan,
	"herren": models.GenderMan,
	"herr":   models.GenderMan,
	"homme":  models.GenderMan,
	"hombre": models.GenderMan,

	"women":  models.GenderWoman,
	"womens": models.GenderWoman,
	"woman":  models.GenderWoman,
	"female": models.GenderWoman,
	"her":    models.GenderWoman,
	"ladies": models.GenderWoman,
	"damen":  models.GenderWoman,
	"dam":    models.GenderWoman,
	"femme":  models.GenderWoman,
	"mujer":  models.GenderWoman,
}

// InferGender checks the URL path first and the breadcrumb text second. It
// never returns an empty value.
func InferGender(rawURL, breadcrumb string) models.Gender {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}

	if g, ok := firstGenderToken(path); ok {
		return g
	}
	if g, ok := firstGenderToken(breadcrumb); ok {
		return g
	}
	return models.GenderOther
}

// GenderFromString maps loose labels such as "M", "female" or "WOMAN".
func GenderFromString(s string) models.Gender {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "M", "MAN", "MALE", "MEN", "MENS":
		return models.GenderMan
	case "F", "W", "WOMAN", "FEMALE", "WOMEN", "WOMENS":
		return models.GenderWoman
	}
	return models.GenderOther
}

func firstGenderToken(s string) (models.Gender, bool) {
	tokens := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, tok := range tokens {
		if g, ok := genderTokens[tok]; ok {
			return g, true
		}
	}
	return "", false
}
