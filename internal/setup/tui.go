package setup

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/hhi/onbalansmarkt-bridge/config"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// RunTUI launches the terminal configuration wizard and writes the result to
// config.gen.yaml.
func RunTUI() error {
	var (
		token          string
		mode           string
		offsetStr      string
		sendEnabled    bool
		intervalStr    string
		startMinuteStr string
		reportZero     bool
		pollSecondsStr string
		brokerURL      string
		mqttUsername   string
		mqttPassword   string
		topicPrefix    string
		webAddr        string
		confirm        bool
	)

	// defaults
	offsetStr = "0"
	sendEnabled = true
	intervalStr = strconv.Itoa(config.DefaultSendIntervalMinutes)
	startMinuteStr = "0"
	pollSecondsStr = "300"
	brokerURL = config.DefaultBrokerURL
	topicPrefix = config.DefaultTopicPrefix
	webAddr = config.DefaultWebAddr

	// step 1: account
	fmt.Print("\033[H\033[2J") // Clear screen
	fmt.Println(headerStyle.Render("ONBALANSMARKT BRIDGE SETUP"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Let's get your battery on the leaderboard.\n"))

	fmt.Println(stepStyle.Render("STEP 1: ACCOUNT"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("API Token").
				Description("From your onbalansmarkt.com profile. Leave empty to configure later over MQTT.").
				Value(&token).
				EchoMode(huh.EchoModePassword),
			huh.NewSelect[string]().
				Title("Trading Mode").
				Options(
					huh.NewOption("Not set", ""),
					huh.NewOption("Manual", "manual"),
					huh.NewOption("Imbalance", "imbalance"),
					huh.NewOption("Imbalance (aggressive)", "imbalance_aggressive"),
					huh.NewOption("Self consumption plus", "self_consumption_plus"),
				).
				Value(&mode),
			huh.NewInput().
				Title("Lifetime Result Offset (EUR)").
				Description("Added to the reported lifetime total, e.g. earnings from before this bridge").
				Value(&offsetStr).
				Validate(validateDecimal),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 2: send schedule
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("ONBALANSMARKT BRIDGE SETUP"))
	fmt.Println(stepStyle.Render("STEP 2: SEND SCHEDULE"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Send measurements automatically?").
				Value(&sendEnabled),
			huh.NewInput().
				Title("Send Interval (minutes)").
				Description("Aligned to the top of the hour (1-1440)").
				Value(&intervalStr).
				Validate(validateIntRange(1, 1440)),
			huh.NewInput().
				Title("Start Minute").
				Description("Minute of the hour the cadence is aligned to (0-59)").
				Value(&startMinuteStr).
				Validate(validateIntRange(0, 59)),
			huh.NewConfirm().
				Title("Report zero day results?").
				Description("When off, days with exactly 0.00 result are skipped").
				Value(&reportZero),
			huh.NewInput().
				Title("Ranking Poll Interval (seconds)").
				Description("How often to fetch your leaderboard position (min 30)").
				Value(&pollSecondsStr).
				Validate(validateIntRange(30, 86400)),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 3: MQTT broker
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("ONBALANSMARKT BRIDGE SETUP"))
	fmt.Println(stepStyle.Render("STEP 3: MQTT BROKER"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Broker URL").
				Description("e.g. tcp://homeassistant.local:1883").
				Value(&brokerURL).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("broker URL cannot be empty")
					}
					return nil
				}),
			huh.NewInput().
				Title("Username").
				Description("Leave empty for anonymous access").
				Value(&mqttUsername),
			huh.NewInput().
				Title("Password").
				Value(&mqttPassword).
				EchoMode(huh.EchoModePassword),
			huh.NewInput().
				Title("Topic Prefix").
				Value(&topicPrefix),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 4: dashboard
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("ONBALANSMARKT BRIDGE SETUP"))
	fmt.Println(stepStyle.Render("STEP 4: DASHBOARD"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen Address").
				Description("e.g. :8080 or 127.0.0.1:8080").
				Value(&webAddr),
		),
	).Run()
	if err != nil {
		return err
	}

	// confirmation
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("ONBALANSMARKT BRIDGE SETUP"))
	fmt.Println(stepStyle.Render("FINAL CONFIRMATION"))

	tokenSummary := "not set"
	if token != "" {
		tokenSummary = "set"
	}
	scheduleSummary := "manual only"
	if sendEnabled {
		scheduleSummary = fmt.Sprintf("every %s min from :%s", intervalStr, startMinuteStr)
	}
	summary := fmt.Sprintf(
		"Token: %s\nMode: %s\nSchedule: %s\nBroker: %s\nPrefix: %s\nDashboard: %s\n",
		tokenSummary, orUnset(mode), scheduleSummary, brokerURL, topicPrefix, webAddr,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}

	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	intervalMinutes, _ := strconv.Atoi(intervalStr)
	startMinute, _ := strconv.Atoi(startMinuteStr)
	pollSeconds, _ := strconv.Atoi(pollSecondsStr)

	cfgTmp := config.ConfigTmp{
		BrokerURL:           brokerURL,
		MQTTUsername:        mqttUsername,
		MQTTPassword:        mqttPassword,
		TopicPrefix:         topicPrefix,
		Token:               token,
		SendEnabled:         sendEnabled,
		SendIntervalMinutes: intervalMinutes,
		StartMinute:         startMinute,
		ReportZeroResults:   reportZero,
		PollIntervalSeconds: pollSeconds,
		ModeStr:             mode,
		WebAddr:             webAddr,
	}
	if offsetStr != "" && offsetStr != "0" {
		cfgTmp.TotalOffsetStr = offsetStr
	}

	data, err := yaml.Marshal(cfgTmp)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}

	// write to config.gen.yaml
	filename := "config.gen.yaml"
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting bridge...", filename)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return nil
}

func orUnset(s string) string {
	if s == "" {
		return "not set"
	}
	return s
}

func validateDecimal(s string) error {
	if s == "" {
		return nil
	}
	if _, err := decimal.NewFromString(s); err != nil {
		return fmt.Errorf("must be a valid number")
	}
	return nil
}

func validateIntRange(min, max int) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("must be a whole number")
		}
		if n < min || n > max {
			return fmt.Errorf("must be between %d and %d", min, max)
		}
		return nil
	}
}
