package intent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ggonzalez94/payagent/internal/ens"
	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/id"
	"github.com/ggonzalez94/payagent/internal/model"
)

const amountToken = `([0-9]+(?:\.[0-9]+)?)\s+([A-Za-z][A-Za-z0-9]*)`

var (
	paywallRe     = regexp.MustCompile(`(?i)^(?:pay|access|open|fetch|get|unlock)\s+(?:for\s+)?(https?://\S+|/\S*)`)
	transferRe    = regexp.MustCompile(`(?i)^(?:send|transfer|pay)\s+` + amountToken + `\s+to\s+(\S+)`)
	swapRe        = regexp.MustCompile(`(?i)^(?:swap|convert|exchange|trade)\s+` + amountToken + `\s+(?:to|for|into)\s+([A-Za-z][A-Za-z0-9]*)`)
	depositRe     = regexp.MustCompile(`(?i)^(deposit|earn|yield|invest|stake)\s+` + amountToken)
	consolidateRe = regexp.MustCompile(`(?i)^(?:consolidate|sweep|merge)\b`)

	onRe       = regexp.MustCompile(`(?i)\bon\s+([A-Za-z0-9:-]+)`)
	fromRe     = regexp.MustCompile(`(?i)\bfrom\s+([A-Za-z0-9:-]+)`)
	asTokenRe  = regexp.MustCompile(`(?i)\bas\s+([A-Za-z][A-Za-z0-9]*)`)
	protocolRe = regexp.MustCompile(`(?i)\b(?:into|in|on|with|via|using)\s+(aave|morpho)\b`)
	forRe      = regexp.MustCompile(`(?i)\bfor\s+(\S+)`)
	intoRe     = regexp.MustCompile(`(?i)\b(?:into|to)\s+([A-Za-z][A-Za-z0-9]*)`)
)

var consolidateFiller = map[string]bool{"my": true, "all": true, "everything": true, "one": true, "a": true, "the": true}

// Parser turns short payment requests into intents with keyword rules. A
// message that is a JSON object is taken as an already structured intent.
type Parser struct{}

func New() *Parser {
	return &Parser{}
}

func (p *Parser) Parse(message string) (model.Intent, error) {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return model.Intent{}, clierr.New(clierr.CodeUsage, "Message is required")
	}
	if strings.HasPrefix(msg, "{") {
		return parseJSON(msg)
	}

	if m := paywallRe.FindStringSubmatch(msg); m != nil {
		return model.Intent{Action: model.ActionPayViaPaywall, URL: trimPunct(m[1])}, nil
	}
	if m := transferRe.FindStringSubmatch(msg); m != nil {
		in := model.Intent{
			Action:    model.ActionTransfer,
			Amount:    m[1],
			FromToken: strings.ToUpper(m[2]),
			ToAddress: trimPunct(m[3]),
		}
		rest := msg[len(m[0]):]
		// The destination token stays open so the recipient's preference applies.
		if t := asTokenRe.FindStringSubmatch(rest); t != nil {
			in.ToToken = strings.ToUpper(t[1])
		}
		in.ToChain = chainAfter(onRe, rest)
		in.FromChain = chainAfter(fromRe, rest)
		if name, chain, ok := ens.ParseChainAddress(in.ToAddress); ok {
			in.ToAddress = name
			if in.ToChain == "" {
				if c, err := id.ParseChain(chain); err == nil {
					in.ToChain = c.Slug
				}
			}
		}
		return in, nil
	}
	if m := swapRe.FindStringSubmatch(msg); m != nil {
		rest := msg[len(m[0]):]
		chain := chainAfter(onRe, rest)
		return model.Intent{
			Action:    model.ActionSwap,
			Amount:    m[1],
			FromToken: strings.ToUpper(m[2]),
			ToToken:   strings.ToUpper(m[3]),
			FromChain: firstNonEmpty(chainAfter(fromRe, rest), chain),
			ToChain:   chain,
		}, nil
	}
	if m := depositRe.FindStringSubmatch(msg); m != nil {
		action := model.ActionDeposit
		switch strings.ToLower(m[1]) {
		case "earn", "yield":
			action = model.ActionYield
		}
		rest := msg[len(m[0]):]
		in := model.Intent{
			Action:    action,
			Amount:    m[2],
			FromToken: strings.ToUpper(m[3]),
			ToToken:   "USDC",
			FromChain: firstNonEmpty(chainAfter(fromRe, rest), chainAfter(onRe, rest)),
		}
		if v := protocolRe.FindStringSubmatch(rest); v != nil {
			in.VaultProtocol = strings.ToLower(v[1])
		}
		if f := forRe.FindStringSubmatch(rest); f != nil {
			if who := trimPunct(f[1]); id.IsAddress(who) || strings.HasSuffix(strings.ToLower(who), ".eth") {
				in.ToAddress = who
			}
		}
		return in, nil
	}
	if m := consolidateRe.FindStringIndex(msg); m != nil {
		rest := msg[m[1]:]
		in := model.Intent{Action: model.ActionConsolidate, ToChain: chainAfter(onRe, rest)}
		for _, t := range intoRe.FindAllStringSubmatch(rest, -1) {
			word := strings.ToLower(t[1])
			if consolidateFiller[word] {
				continue
			}
			in.ToToken = strings.ToUpper(word)
			break
		}
		return in, nil
	}
	return model.Intent{}, clierr.New(clierr.CodeUsage, `could not understand the request; try "send 10 USDC to alice.eth on base"`)
}

func parseJSON(raw string) (model.Intent, error) {
	var in model.Intent
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return model.Intent{}, clierr.Wrap(clierr.CodeUsage, "invalid intent JSON", err)
	}
	if in.Action == "" {
		return model.Intent{}, clierr.New(clierr.CodeUsage, "intent action is required")
	}
	return in, nil
}

// chainAfter returns the canonical slug of the first chain named by re in s.
func chainAfter(re *regexp.Regexp, s string) string {
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		if chain, err := id.ParseChain(trimPunct(m[1])); err == nil {
			return chain.Slug
		}
	}
	return ""
}

func trimPunct(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), ".,;:!?")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
