package connectors

import (
	"regexp"
	"strings"
)

type DetectResult struct {
	IsInvoice bool
	Score     float64
	Reason    string
}

var detectKeywords = []string{"invoice", "rechnung", "facture", "factura", "bill", "счет", "счёт", "amount due", "payment due", "total"}

var amountPattern = regexp.MustCompile(`\d+[.,]\d{2}\b`)

// DetectInvoice scores a message by keywords in subject and body, money-like
// amounts in the text and PDF attachments.
func DetectInvoice(subject, text, html string, attachmentNames []string) DetectResult {
	subject = strings.ToLower(subject)
	text = strings.ToLower(text)
	html = strings.ToLower(html)

	score := 0.0
	for _, kw := range detectKeywords {
		if strings.Contains(subject, kw) {
			score += 0.3
		}
		if strings.Contains(text, kw) || strings.Contains(html, kw) {
			score += 0.1
		}
	}

	switch hits := len(amountPattern.FindAllString(text, 3)); {
	case hits >= 2:
		score += 0.2
	case hits == 1:
		score += 0.1
	}

	for _, name := range attachmentNames {
		if strings.HasSuffix(strings.ToLower(name), ".pdf") {
			score += 0.35
			break
		}
	}
	if strings.Contains(html, ".pdf") {
		score += 0.15
	}
	if score > 1 {
		score = 1
	}

	isInvoice := score >= 0.45
	reason := "rules_negative"
	if isInvoice {
		reason = "rules_positive"
	}
	return DetectResult{IsInvoice: isInvoice, Score: score, Reason: reason}
}
