package portal

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"otp-relay/internal/snapshot"
)

var serviceIDPattern = regexp.MustCompile(`getDetials\('([^']*)'\)`)

// PanelClass is the class the portal puts on a service's expanded panel.
func PanelClass(service string) string {
	return "open_" + strings.ReplaceAll(service, " ", "_")
}

// ParseServices reads the service cards from the received-SMS page.
// Cards without a recognisable id are skipped; a missing or non-numeric
// total reads as 0.
func ParseServices(doc string) ([]snapshot.ServiceCount, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, err
	}

	var services []snapshot.ServiceCount
	for _, item := range findAll(root, classes("item")) {
		card := findFirst(item, classes("card", "card-body", "mb-1", "pointer"))
		if card == nil {
			continue
		}
		m := serviceIDPattern.FindStringSubmatch(attr(card, "onclick"))
		if m == nil {
			continue
		}
		id := strings.TrimSpace(m[1])
		if id == "" {
			continue
		}
		total := 0
		if p := findFirst(card, and(tag(atom.P), classes("mb-0", "pb-0"))); p != nil {
			total = parseCount(textOf(p))
		}
		services = append(services, snapshot.ServiceCount{ID: id, Total: total})
	}
	return services, nil
}

// ParseNumbers reads the number cards inside the expanded panel of
// service. The count sits in the <p> of the div that follows each card.
func ParseNumbers(doc, service string) ([]snapshot.NumberCount, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, err
	}

	var numbers []snapshot.NumberCount
	seen := make(map[string]bool)
	for _, panel := range findAll(root, classes(PanelClass(service))) {
		for _, card := range findAll(panel, isNumberCard) {
			number := strings.TrimSpace(textOf(card))
			if number == "" || seen[number] {
				continue
			}
			seen[number] = true

			count := 0
			if sib := nextElement(card); sib != nil && sib.DataAtom == atom.Div {
				if p := firstChild(sib, tag(atom.P)); p != nil {
					count = parseCount(textOf(p))
				}
			}
			numbers = append(numbers, snapshot.NumberCount{Number: number, Count: count})
		}
	}
	return numbers, nil
}

// ParseMessages reads the SMS cards of the currently open number, in page
// order.
func ParseMessages(doc string) ([]snapshot.Message, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, err
	}

	var messages []snapshot.Message
	for _, content := range findAll(root, classes("ContentSMS", "open")) {
		for _, card := range findAll(content, classes("card", "bg-soft-dark")) {
			var msg snapshot.Message
			if cli := findFirst(card, and(tag(atom.Div), classes("col-sm-4"))); cli != nil {
				msg.CLI = strings.TrimSpace(strings.Replace(textOf(cli), "CLI", "", 1))
			}
			body := findFirst(card, and(tag(atom.Div), classes("col-9", "col-sm-6")))
			if body == nil {
				continue
			}
			p := findFirst(body, and(tag(atom.P), classes("mb-0", "pb-0")))
			if p == nil {
				continue
			}
			msg.Body = strings.TrimSpace(textOf(p))
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

func parseCount(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

type matcher func(*html.Node) bool

func tag(a atom.Atom) matcher {
	return func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == a
	}
}

// classes matches elements carrying every one of names.
func classes(names ...string) matcher {
	return func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		have := strings.Fields(attr(n, "class"))
		for _, want := range names {
			found := false
			for _, c := range have {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}
}

func and(ms ...matcher) matcher {
	return func(n *html.Node) bool {
		for _, m := range ms {
			if !m(n) {
				return false
			}
		}
		return true
	}
}

func isNumberCard(n *html.Node) bool {
	return n.Type == html.ElementNode && n.DataAtom == atom.Div &&
		strings.Contains(attr(n, "onclick"), "getDetialsNumber")
}

// findAll returns the descendants of root matching m, in document order.
func findAll(root *html.Node, m matcher) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if m(c) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(root)
	return out
}

func findFirst(root *html.Node, m matcher) *html.Node {
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if m(c) {
			return c
		}
		if found := findFirst(c, m); found != nil {
			return found
		}
	}
	return nil
}

func firstChild(n *html.Node, m matcher) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if m(c) {
			return c
		}
	}
	return nil
}

func nextElement(n *html.Node) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// textOf concatenates the text under n; <br> becomes a newline.
func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			sb.WriteString(n.Data)
		case n.Type == html.ElementNode && n.DataAtom == atom.Br:
			sb.WriteByte('\n')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
