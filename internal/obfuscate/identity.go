package obfuscate

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.4; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
}

// NextUserAgent picks a user agent other than the previous one. Less used
// agents are preferred with weight max(1, 10-usage).
func (o *Obfuscator) NextUserAgent() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.userAgents) == 1 {
		o.lastUA = o.userAgents[0]
		o.usage[o.lastUA]++
		return o.lastUA
	}

	candidates := make([]string, 0, len(o.userAgents))
	weights := make([]int, 0, len(o.userAgents))
	total := 0
	for _, ua := range o.userAgents {
		if ua == o.lastUA {
			continue
		}
		w := max(1, 10-o.usage[ua])
		candidates = append(candidates, ua)
		weights = append(weights, w)
		total += w
	}

	if total == 0 {
		o.usage[o.lastUA]++
		return o.lastUA
	}

	pick := o.rnd.IntN(total)
	chosen := candidates[len(candidates)-1]
	for i, w := range weights {
		if pick < w {
			chosen = candidates[i]
			break
		}
		pick -= w
	}

	o.usage[chosen]++
	o.lastUA = chosen
	return chosen
}

// UserAgentUsage returns how many times each agent has been handed out
func (o *Obfuscator) UserAgentUsage() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int, len(o.usage))
	for k, v := range o.usage {
		out[k] = v
	}
	return out
}
