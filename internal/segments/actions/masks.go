package actions

import (
	"strconv"
	"strings"
)

// substituteMasks replaces template tokens in a notification message with
// fields of the sale document.
func substituteMasks(message string, info DocInfo) string {
	replacer := strings.NewReplacer(
		"{{doc_id}}", strconv.FormatInt(info.ID, 10),
		"{{doc_number}}", strconv.Itoa(info.Number),
		"{{sum}}", info.Sum,
		"{{name}}", info.ContragentName,
		"{{phone}}", info.ContragentPhone,
		"{{address}}", info.DeliveryAddress,
	)
	return replacer.Replace(message)
}
