// Presentation layer. Every function here is a pure mapping from a
// session snapshot (or a handful of strings) to a markup fragment; no
// state is read or written. User-supplied text is escaped here, at the
// render boundary, so the state machine stores names and votes verbatim.

package main

import (
	"fmt"
	"html"
	"strings"
)

const faviconLink = `<link rel="icon" href="data:image/svg+xml,<svg xmlns=%22http://www.w3.org/2000/svg%22 viewBox=%220 0 100 100%22><text y=%22.9em%22 font-size=%2290%22>🃏</text></svg>">`

const htmlHead = `<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>HTMX Poker</title>
<script src="https://unpkg.com/htmx.org@1.9.12"></script>
<script src="https://unpkg.com/htmx.org@1.9.12/dist/ext/sse.js"></script>
<script src="https://cdn.tailwindcss.com"></script>
` + faviconLink + `
</head>`

// pageShell wraps a content fragment in the full document frame shared
// by all pages.
func pageShell(prefix, content string) string {
	var page strings.Builder

	page.WriteString(`<!DOCTYPE html><html lang="de" class="bg-gradient-to-br from-cyan-500 to-blue-500 h-full">`)
	page.WriteString(htmlHead)
	page.WriteString(`<body>`)
	page.WriteString(fmt.Sprintf(`<div class="absolute top-2 left-2"><a href="%s/" class="text-3xl">🃏</a></div>`, prefix))
	page.WriteString(`<div class="container p-4 mx-auto flex flex-col" align-center>`)
	page.WriteString(`<h1 class="text-3xl font-bold text-center">Let's Poker!</h1>`)
	page.WriteString(content)
	page.WriteString(`</div></body></html>`)

	return page.String()
}

func newSessionForm(prefix string) string {
	return fmt.Sprintf(`
<form hx-post="%s/newSession" class="p-4 mx-auto flex flex-col">
<input name="sessionname" placeholder="Session" class="border-2 rounded p-2 text-lg placeholder:text-center mb-2" required>
<button class="rounded bg-indigo-600 p-2 text-slate-200">Session erstellen</button>
</form>`, prefix)
}

func renderIndex(prefix string) string {
	return pageShell(prefix, newSessionForm(prefix))
}

func chooseNameForm(prefix, sessionID string) string {
	return fmt.Sprintf(`
<form hx-post="%s/clientname" hx-swap="outerHTML" class="p-4 mx-auto flex flex-col">
<input name="name" placeholder="Name" class="border-2 rounded p-2 text-lg placeholder:text-center mb-2" required>
<button class="rounded bg-indigo-600 p-2 text-slate-200" type="submit">Teilnehmen</button>
</form>`, sessionPathPrefix(prefix, sessionID))
}

// renderSessionPage is the view for a first-time visitor: prompt for a
// name before showing the round.
func renderSessionPage(prefix, sessionID string) string {
	return pageShell(prefix, chooseNameForm(prefix, sessionID))
}

func renderSessionJoinedPage(prefix string, snap SessionSnapshot, client Client) string {
	return pageShell(prefix, renderJoined(prefix, snap, client))
}

// renderJoined is the live view. It opens the SSE channel and wires each
// fragment to the event that invalidates it; the fragments then pull
// fresh state over plain GETs.
func renderJoined(prefix string, snap SessionSnapshot, client Client) string {
	base := sessionPathPrefix(prefix, snap.ID)

	var view strings.Builder

	view.WriteString(fmt.Sprintf(`<div hx-ext="sse" sse-connect="%s/events" class="flex flex-col align-center">`, base))
	view.WriteString(`<div class="flex justify-between">`)
	view.WriteString(fmt.Sprintf(`<div hx-get="%s/sessionstate" hx-swap="innerHtml" hx-trigger="sse:%s" class="p-2">%s</div>`, base, eventSessions, renderSessionState(snap)))
	view.WriteString(fmt.Sprintf(`<a href="%s/qr" class="p-2">QR</a>`, base))
	view.WriteString(fmt.Sprintf(`<div hx-get="%s/clientinfo" hx-swap="innerHtml" hx-trigger="sse:%s" class="p-2">%s</div>`, base, eventSessions, renderClientInfo(client)))
	view.WriteString(`</div>`)
	view.WriteString(fmt.Sprintf(`<div hx-get="%s/votes" hx-swap="innerHtml" hx-trigger="sse:%s" class="flex p-4 flex-col items-center gap-4"></div>`, base, eventVotes))
	view.WriteString(fmt.Sprintf(`<div hx-get="%s/cards" hx-swap="innerHtml" hx-target="#cards" hx-trigger="sse:%s"></div>`, base, eventReset))
	view.WriteString(`<div id="cards" class="mx-auto">`)
	view.WriteString(renderCards(prefix, snap.ID, ""))
	view.WriteString(`</div></div>`)

	return view.String()
}

// renderCards renders the card form with the given value selected. A
// click on the already-selected card clicks the hidden null option,
// which the select handler stores as a retracted vote.
func renderCards(prefix, sessionID, selected string) string {
	base := sessionPathPrefix(prefix, sessionID)

	var form strings.Builder

	form.WriteString(fmt.Sprintf(`<form hx-post="%s/select" hx-trigger="change from:input" hx-swap="outerHTML" class="space-x-2 flex gap-2 p-8 flex-wrap justify-center">`, base))

	for _, card := range cardValues {
		toggle := ""
		checked := ""
		if selected == card {
			toggle = ` onClick="document.getElementById('null').click()"`
			checked = " checked"
		}

		form.WriteString(`<div>`)
		form.WriteString(fmt.Sprintf(`<input class="hidden peer"%s name="value" type="radio" id="fib%s" value="%s"%s/>`, toggle, card, card, checked))
		form.WriteString(fmt.Sprintf(`<label for="fib%s" class="block w-12 h-12 text-center rounded p-2 cursor-pointer border-2 text-xl bg-indigo-600 text-slate-200 border-slate-400 peer-checked:bg-slate-200 peer-checked:text-indigo-600 peer-checked:border-indigo-400">%s</label>`, card, card))
		form.WriteString(`</div>`)
	}

	nullChecked := ""
	if selected == "" {
		nullChecked = " checked"
	}
	form.WriteString(fmt.Sprintf(`<input class="hidden" name="value" type="radio" id="null" value=""%s/><label class="hidden" for="null">null</label>`, nullChecked))
	form.WriteString(`</form>`)

	return form.String()
}

func voteContent(snap SessionSnapshot) string {
	var list strings.Builder

	for _, c := range snap.Clients {
		name := html.EscapeString(c.Name)

		if snap.Revealed {
			value := html.EscapeString(c.Value)
			if value == "" {
				value = "no vote"
			}
			list.WriteString(fmt.Sprintf(`<div>%s: %s</div>`, name, value))
			continue
		}

		mark := "❌"
		if c.Voted {
			mark = "✔"
		}
		list.WriteString(fmt.Sprintf(`<div>%s: %s</div>`, name, mark))
	}

	return list.String()
}

// renderVotes shows either who has voted or, after a reveal, all values,
// plus the matching reveal/reset button.
func renderVotes(prefix string, snap SessionSnapshot) string {
	base := sessionPathPrefix(prefix, snap.ID)

	button := fmt.Sprintf(`<div><button hx-get="%s/reveal" class="rounded bg-indigo-600 p-2 text-slate-200">Aufdecken</button></div>`, base)
	if snap.Revealed {
		button = fmt.Sprintf(`<div><button hx-get="%s/reset" class="rounded bg-indigo-600 p-2 text-slate-200">Zurücksetzen</button></div>`, base)
	}

	return button + `<div class="flex flex-wrap gap-2" style="max-width:600px;">` + voteContent(snap) + `</div>`
}

func renderSessionState(snap SessionSnapshot) string {
	return "Session: " + html.EscapeString(snap.Name)
}

func renderClientInfo(client Client) string {
	return fmt.Sprintf(`<div>Name: %s</div>`, html.EscapeString(client.Name))
}

func renderExpired(prefix string) string {
	content := fmt.Sprintf(`
<div class="container p-12 flex flex-col items-center mx-auto gap-4">
<h1 class="text-3xl font-bold underline mb-2">Ooops, die Session ist nicht mehr vorhanden</h1>
<a href="%s/" class="inline-block rounded bg-indigo-600 p-2 text-slate-200">Neue Session</a>
</div>`, prefix)

	return pageShell(prefix, content)
}

func sessionPathPrefix(prefix, sessionID string) string {
	return prefix + "/session/" + sessionID
}
