package release

import (
	"math/rand"
	"strings"
)

// No pack example ships a pet-name generator; this is a small ambient
// utility, not a persistence/transport/domain concern, so stdlib math/rand
// is used directly rather than reaching for an external wordlist package.

var slugAdjectives = []string{
	"amber", "brisk", "calm", "dusty", "eager", "faint", "gentle", "hollow",
	"icy", "jolly", "keen", "lively", "mellow", "nimble", "olive", "plain",
	"quiet", "rapid", "steady", "tidy", "urban", "vivid", "warm", "young",
}

var slugColors = []string{
	"amber", "azure", "coral", "cream", "ebony", "fawn", "gold", "grey",
	"indigo", "jade", "lilac", "maroon", "navy", "ochre", "pearl", "rose",
	"rust", "sage", "slate", "tan", "teal", "umber", "violet", "white",
}

var slugAnimals = []string{
	"badger", "crane", "dolphin", "egret", "falcon", "gecko", "heron", "ibis",
	"jaguar", "kiwi", "lemur", "magpie", "newt", "otter", "panther", "quail",
	"raven", "salmon", "tapir", "urial", "vole", "walrus", "yak", "zebra",
}

// NewSlug generates a 3-token, hyphen-separated, human-memorable identifier.
// Storage does not enforce uniqueness and Registry.Annotate does not retry on
// a collision: two annotations may share a slug.
func NewSlug() string {
	return strings.Join([]string{
		slugAdjectives[rand.Intn(len(slugAdjectives))],
		slugColors[rand.Intn(len(slugColors))],
		slugAnimals[rand.Intn(len(slugAnimals))],
	}, "-")
}
