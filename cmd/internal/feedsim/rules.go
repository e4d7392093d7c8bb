package feedsim

import (
	"regexp"
	"strings"
)

type rule struct {
	pattern *regexp.Regexp
	reply   string
}

// Rules answers common support questions. The first matching rule wins.
type Rules struct {
	rules []rule
}

func mustRule(expr, reply string) rule {
	return rule{pattern: regexp.MustCompile(`(?i)^.*\b(?:` + expr + `)\b.*$`), reply: reply}
}

// DefaultRules returns the support bot rule set.
func DefaultRules() *Rules {
	return &Rules{rules: []rule{
		mustRule(`hello|hi|hey|good morning|good afternoon|good evening|greetings`,
			"Hello! Welcome to Energy Management System support. How can I assist you today?"),
		mustRule(`(?:device|devices).*(?:not showing|missing|can't see|don't see|disappeared|not visible)`,
			"If your devices aren't showing up, please try:\n1. Refresh the page (F5)\n2. Verify you're logged in with the correct account\n3. Contact an administrator to check device assignments"),
		mustRule(`(?:how|can i).*(?:add|create|register|setup).*(?:device)`,
			"Only administrators have permission to add new devices to the system. If you're an admin, use the 'Devices' section. Otherwise, please contact your system administrator."),
		mustRule(`overconsumption|over consumption|alert|notification|exceeded|too much energy|high consumption`,
			"Overconsumption alerts occur when a device exceeds its maximum hourly consumption limit. You can:\n• Check the device's max consumption setting in Devices page\n• View hourly consumption data in the Monitoring tab\n• Contact support if you believe the alert is incorrect"),
		mustRule(`password|forgot password|reset password|can't login|cannot login|lost password`,
			"For security reasons, password resets must be handled by your system administrator. Please contact them directly to reset your password."),
		mustRule(`(?:chart|graph|monitoring|consumption data).*(?:not loading|empty|blank|no data|not working)`,
			"If your energy consumption chart isn't loading:\n1. Ensure you have devices assigned to your account\n2. Verify there's data available for the selected date\n3. Try selecting a different date range\n4. Refresh the page or clear browser cache"),
		mustRule(`(?:what is|difference between|explain).*(?:admin|client|role|roles|permissions)`,
			"The system has two user roles:\n• ADMIN: Can manage users, devices, and device assignments\n• CLIENT: Can view assigned devices and monitor their energy consumption\n\nContact an administrator to request a role change."),
		mustRule(`kwh|kilowatt|watt|what unit|energy unit|measurement unit|how is energy measured`,
			"All energy consumption in our system is measured in kWh (kilowatt-hours). The monitoring charts display hourly aggregated data showing total consumption per hour."),
		mustRule(`assign|assignment|assign device|how to assign|link device`,
			"Device assignment is performed by administrators through the 'Assignments' page. If you need a device assigned to your account, please contact your system administrator."),
		mustRule(`how often|refresh|update|real.?time|realtime|live data|frequency`,
			"Energy data collection works as follows:\n• Device data collected every 10 minutes\n• Aggregated into hourly consumption totals\n• Charts update automatically when new hourly data arrives\n• Overconsumption alerts sent in real-time via WebSocket"),
		mustRule(`create account|register|sign up|new user|new account|join`,
			"New user accounts can only be created by system administrators. Please contact your organization's admin to request an account."),
		mustRule(`(?:contact|reach|talk to|speak with|email).*(?:admin|administrator|support|help desk)`,
			"You're currently chatting with our automated support system. For direct admin assistance, your message will be forwarded to an available administrator who will respond shortly."),
		mustRule(`(?:export|download|save).*(?:data|chart|report|consumption)`,
			"Currently, data export features are being developed. For now, you can take screenshots of the charts or contact an administrator for detailed consumption reports."),
		mustRule(`thank you|thanks|thx|appreciate|grateful`,
			"You're very welcome! Is there anything else I can help you with?"),
		mustRule(`bye|goodbye|see you|exit|close chat|end chat`,
			"Thank you for using our support system! Have a great day! Feel free to return if you need more help."),
	}}
}

// Match returns the reply of the first rule matching text.
func (r *Rules) Match(text string) (string, bool) {
	if r == nil {
		return "", false
	}
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return "", false
	}
	for _, ru := range r.rules {
		if ru.pattern.MatchString(normalized) {
			return ru.reply, true
		}
	}
	return "", false
}

// Len returns the number of rules.
func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}
