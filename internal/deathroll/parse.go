package deathroll

import (
	"regexp"
	"strconv"
)

var (
	digitRun = regexp.MustCompile(`\d+`)

	// rangePattern matches a roll range starting at one ("1 to 100", "(1-100)").
	// The lower bound carries no information, so the range collapses to its upper bound.
	rangePattern = regexp.MustCompile(`(?i)\b1\s*(?:-|–|to)\s*(\d+)\b`)
)

// maxNumbers is how many integers a line can contribute: a cap, or a roll and a cap.
const maxNumbers = 2

// extractNumbers returns the first integer-like runs of text in order of appearance.
// It returns nil for lines without digits and for lines holding a value that does not fit
// an int or is zero; both are ignorable input rather than errors.
func extractNumbers(text string) []int {
	text = rangePattern.ReplaceAllString(text, " ${1} ")

	runs := digitRun.FindAllString(text, maxNumbers)
	if len(runs) == 0 {
		return nil
	}

	nums := make([]int, 0, len(runs))
	for _, run := range runs {
		n, err := strconv.Atoi(run)
		if err != nil || n <= 0 {
			return nil
		}
		nums = append(nums, n)
	}
	return nums
}
