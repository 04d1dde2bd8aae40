package scrub_test

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/JohnPlummer/jp-go-apiguard/scrub"
)

var _ = Describe("Scrub", func() {
	DescribeTable("default rules",
		func(in, out string) {
			Expect(scrub.Scrub(in)).To(Equal(out))
		},
		Entry("digit word", "Error for user 12345abc", "Error for user X##"),
		Entry("hyphenated guid", "id 123e4567-e89b-12d3-a456-426614174000 not found", "id {guid} not found"),
		Entry("upper-case guid without hyphens", "order 123E4567E89B12D3A456426614174000 failed", "order {guid} failed"),
		Entry("parenthesized guid", "device (123e4567-e89b-12d3-a456-426614174000) missing", "device {guid} missing"),
		Entry("plain number", "participant 42 has no devices", "participant X## has no devices"),
		Entry("several tokens", "SKU A100 and B2 out of stock", "SKU X## and X## out of stock"),
		Entry("underscores join a word", "row id_77 locked", "row X## locked"),
		Entry("guid and digits together", "user 7 owns 123e4567-e89b-12d3-a456-426614174000", "user X## owns {guid}"),
		Entry("arabic-indic digits", "user ١٢٣٤٥ missing", "user X## missing"),
		Entry("fullwidth letters and digits", "device ＩＤ１２３ offline", "device X## offline"),
		Entry("accented word with a digit", "row für2 locked", "row X## locked"),
		Entry("mixed scripts", "user ١٢٣٤٥ and ＩＤ１２３ and für2", "user X## and X## and X##"),
		Entry("accented word without digits", "café closed", "café closed"),
		Entry("no identifiers", "Object reference not set", "Object reference not set"),
		Entry("empty", "", ""),
	)

	It("leaves templated messages alone", func() {
		msg := "lookup failed for {accountId} with 12345abc"
		Expect(scrub.Scrub(msg)).To(Equal(msg))
	})

	It("skips a message that holds a literal brace anywhere", func() {
		msg := "bad payload {\"id\": 12}"
		Expect(scrub.Scrub(msg)).To(Equal(msg))
	})

	It("is idempotent on scrubbed output", func() {
		inputs := []string{
			"Error for user 12345abc",
			"id 123e4567-e89b-12d3-a456-426614174000 not found",
			"device 99 on order 3f2504e0-4f89-11d3-9a0c-0305e82c3301",
			"nothing to do here",
			"user ١٢٣٤٥ and ＩＤ１２３",
		}
		for _, in := range inputs {
			once := scrub.Scrub(in)
			Expect(scrub.Scrub(once)).To(Equal(once), in)
		}
	})

	It("never leaves a digit or a guid in free text", func() {
		digits := regexp.MustCompile(`\d`)
		for range 100 {
			msg := "account " + uuid.NewString() + " row " + strings.ToUpper(uuid.NewString()[:8]) + "7"
			out := scrub.Scrub(msg)
			Expect(digits.MatchString(out)).To(BeFalse(), out)
			Expect(out).To(HavePrefix("account {guid} row "))
		}
	})

	Describe("Scrubber", func() {
		It("applies custom rules in order", func() {
			s := scrub.New(
				scrub.Rule{Pattern: regexp.MustCompile(`secret-\w+`), Replacement: "[redacted]"},
				scrub.Rule{Pattern: regexp.MustCompile(`\d+`), Replacement: "#"},
			)
			Expect(s.Scrub("token secret-abc9 used 3 times")).To(Equal("token [redacted] used # times"))
		})

		It("uses the default rules when nil", func() {
			var s *scrub.Scrubber
			Expect(s.Scrub("user 12345abc")).To(Equal("user X##"))
		})

		It("treats replacements literally", func() {
			s := scrub.New(scrub.Rule{Pattern: regexp.MustCompile(`\d+`), Replacement: "$1"})
			Expect(s.Scrub("row 5")).To(Equal("row $1"))
		})
	})
})
