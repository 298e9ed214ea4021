package headless

// overlaySelectors are consent/cookie banner controls tried in order.
var overlaySelectors = []string{
	`[aria-label="Accept cookies"]`,
	`#cookie-notice button`,
	`.cookie-banner button`,
	`.consent-banner button`,
}

// overlayButtonLabels match button text exactly, case-insensitively.
var overlayButtonLabels = []string{"accept", "accept all", "ok", "i accept", "close"}

const extractLinksJS = `Array.from(document.querySelectorAll('a[href]')).map(a => a.href)`

var dismissOverlaysJS = buildDismissOverlaysJS()

func buildDismissOverlaysJS() string {
	return `(() => {
  const selectors = ` + jsStringArray(overlaySelectors) + `;
  for (const sel of selectors) {
    const el = document.querySelector(sel);
    if (el) { try { el.click(); return true; } catch (e) {} }
  }
  const labels = ` + jsStringArray(overlayButtonLabels) + `;
  for (const btn of document.querySelectorAll('button')) {
    const text = (btn.innerText || '').trim().toLowerCase();
    if (labels.includes(text)) { try { btn.click(); return true; } catch (e) {} }
  }
  return false;
})()`
}

func jsStringArray(values []string) string {
	out := "["
	for i, v := range values {
		if i > 0 {
			out += ", "
		}
		out += "'" + escapeJS(v) + "'"
	}
	return out + "]"
}

func escapeJS(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\'' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
