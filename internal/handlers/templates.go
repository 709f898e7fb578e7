package handlers

import (
	"fmt"
	"strings"
)

// Message texts for the standard notification categories. Kept as plain
// Sprintf templates; merchants customise wording in the embedded UI, these
// are the defaults.

func renderOrderConfirmation(name, orderNumber, total string) string {
	return fmt.Sprintf(
		"Hi %s! 🎉 Thanks for your order %s. We've received it and will let you know as soon as it ships. Total: %s.",
		firstName(name), orderNumber, total)
}

func renderFulfillment(name, orderNumber, trackingURL string) string {
	msg := fmt.Sprintf("Good news %s! 📦 Your order %s is on its way.", firstName(name), orderNumber)
	if trackingURL != "" {
		msg += " Track it here: " + trackingURL
	}
	return msg
}

func renderCancellation(name, orderNumber string) string {
	return fmt.Sprintf(
		"Hi %s, your order %s has been cancelled. If this wasn't expected, just reply to this message and we'll sort it out.",
		firstName(name), orderNumber)
}

func renderAbandonedCheckout(name, checkoutURL string) string {
	msg := fmt.Sprintf("Hi %s, you left some items in your cart! 🛒", firstName(name))
	if checkoutURL != "" {
		msg += " Complete your purchase here: " + checkoutURL
	}
	return msg
}

func firstName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "there"
	}
	if i := strings.IndexByte(name, ' '); i > 0 {
		return name[:i]
	}
	return name
}
