package ui

import (
	"fmt"
	"strconv"
	"strings"

	gomponents "maragu.dev/gomponents"
	data "maragu.dev/gomponents-datastar"
	html "maragu.dev/gomponents/html"

	"duckdp/internal/budget"
	"duckdp/internal/domain"
	"duckdp/internal/engine"
	"duckdp/internal/metadata"
	"duckdp/internal/result"
)

const datastarSrc = "https://cdn.jsdelivr.net/gh/starfederation/datastar@1.0.0-RC.7/bundles/datastar.js"

type pageState struct {
	Principal   domain.ContextPrincipal
	SQL         string
	Epsilon     float64
	Tables      []*metadata.Table
	CSRF        gomponents.Node
	Result      *result.Result
	Explanation *engine.Explanation
	Error       string

	session *budget.Session
}

func layout(title string, body ...gomponents.Node) gomponents.Node {
	return html.HTML(
		html.Lang("en"),
		html.Head(
			html.Meta(html.Charset("utf-8")),
			html.Meta(html.Name("viewport"), html.Content("width=device-width, initial-scale=1")),
			html.TitleEl(gomponents.Text(title+" | duckdp")),
			html.Link(html.Rel("icon"), html.Href("data:,")),
			html.StyleEl(gomponents.Raw(stylesheet)),
			html.Script(html.Type("module"), html.Src(datastarSrc)),
		),
		html.Body(html.Main(html.Class("layout"), gomponents.Group(body))),
	)
}

func queryPage(s *pageState) gomponents.Node {
	return layout("Private query",
		html.Header(
			html.Class("topbar"),
			html.H1(gomponents.Text("Private query")),
			html.P(html.Class("muted"), gomponents.Textf("Signed in as %s", s.Principal.Name)),
		),
		budgetCard(s.session),
		queryForm(s),
		outcome(s),
		tablesCard(s.Tables),
	)
}

func budgetCard(session *budget.Session) gomponents.Node {
	total, spent, remaining := session.Total(), session.Spent(), session.Remaining()
	pct := 0.0
	if total > 0 {
		pct = 100 * spent / total
	}
	return html.Section(
		html.Class("card"),
		html.H2(gomponents.Text("Privacy budget")),
		html.Div(html.Class("meter"), html.Div(html.Class("meter-fill"), html.Style(fmt.Sprintf("width: %.1f%%", pct)))),
		html.P(gomponents.Textf("Spent %s of %s epsilon, %s remaining.", num(spent), num(total), num(remaining))),
	)
}

func queryForm(s *pageState) gomponents.Node {
	return html.Section(
		html.Class("card"),
		data.Signals(map[string]any{"epsilon": s.Epsilon}),
		html.Form(
			html.Method("post"),
			html.Action("/query"),
			s.CSRF,
			html.Label(html.For("sql"), gomponents.Text("SQL")),
			html.Textarea(html.ID("sql"), html.Name("sql"), html.Rows("5"), html.Required(),
				html.Placeholder("SELECT married, AVG(income) AS income, COUNT(*) AS n FROM PUMS.PUMS GROUP BY married"),
				gomponents.Text(s.SQL)),
			html.Label(html.For("epsilon"), gomponents.Text("Epsilon "), html.Span(data.Text("$epsilon"))),
			html.Input(html.ID("epsilon"), html.Name("epsilon"), html.Type("number"), html.Step("any"), html.Min("0"),
				html.Value(num(s.Epsilon)), data.Bind("epsilon")),
			html.Div(
				html.Class("button-row"),
				html.Button(html.Type("submit"), html.Name("action"), html.Value("run"), html.Class("btn primary"), gomponents.Text("Run (spends epsilon)")),
				html.Button(html.Type("submit"), html.Name("action"), html.Value("explain"), html.Class("btn"), gomponents.Text("Explain")),
			),
		),
	)
}

func outcome(s *pageState) gomponents.Node {
	switch {
	case s.Error != "":
		return html.Section(html.Class("card error"), html.H2(gomponents.Text("Query rejected")), html.Pre(gomponents.Text(s.Error)))
	case s.Explanation != nil:
		return explanationCard(s.Explanation)
	case s.Result != nil:
		return resultCard(s.Result)
	default:
		return html.P(html.Class("muted"), gomponents.Text("Run a query to see noisy results."))
	}
}

func resultCard(res *result.Result) gomponents.Node {
	headers := make([]gomponents.Node, 0, len(res.Columns))
	for _, c := range res.Columns {
		headers = append(headers, html.Th(gomponents.Text(c.Name), html.Span(html.Class("muted"), gomponents.Text(" "+string(c.Type)))))
	}

	display := res.Rows
	if len(display) > maxDisplayRows {
		display = display[:maxDisplayRows]
	}
	rows := make([]gomponents.Node, 0, len(display))
	for _, row := range display {
		cells := make([]gomponents.Node, 0, len(row))
		for _, v := range row {
			cells = append(cells, html.Td(gomponents.Text(cellText(v))))
		}
		rows = append(rows, html.Tr(gomponents.Group(cells)))
	}

	meta := fmt.Sprintf("%d row(s)", len(res.Rows))
	if len(res.Rows) > len(display) {
		meta += fmt.Sprintf(", showing first %d", len(display))
	}
	return html.Section(
		html.Class("card"),
		html.H2(gomponents.Text("Results")),
		html.P(html.Class("muted"), gomponents.Text(meta)),
		html.Table(
			html.THead(html.Tr(gomponents.Group(headers))),
			html.TBody(gomponents.Group(rows)),
		),
	)
}

func explanationCard(e *engine.Explanation) gomponents.Node {
	rows := make([]gomponents.Node, 0, len(e.Measurements))
	for _, m := range e.Measurements {
		rows = append(rows, html.Tr(
			html.Td(html.Code(gomponents.Text(m.Measurement))),
			html.Td(gomponents.Text(num(m.Sensitivity))),
			html.Td(gomponents.Text(num(m.Epsilon))),
			html.Td(gomponents.Text(num(m.Scale))),
			html.Td(gomponents.Text(num(m.Accuracy95))),
		))
	}
	suppress := "off"
	if e.Suppress {
		suppress = fmt.Sprintf("groups with fewer than %d rows are dropped", e.MinGroupSize)
	}
	return html.Section(
		html.Class("card"),
		html.H2(gomponents.Text("Privacy plan")),
		html.P(gomponents.Textf("%s over %s, epsilon %s. Suppression: %s.", e.Mechanism, e.Table, num(e.Epsilon), suppress)),
		html.Table(
			html.THead(html.Tr(
				html.Th(gomponents.Text("Measurement")),
				html.Th(gomponents.Text("Sensitivity")),
				html.Th(gomponents.Text("Epsilon")),
				html.Th(gomponents.Text("Scale")),
				html.Th(gomponents.Text("95% accuracy")),
			)),
			html.TBody(gomponents.Group(rows)),
		),
		gomponents.If(e.PushdownSQL != "", html.Details(
			html.Summary(gomponents.Text("Push-down SQL")),
			html.Pre(gomponents.Text(e.PushdownSQL)),
		)),
	)
}

func tablesCard(tables []*metadata.Table) gomponents.Node {
	items := make([]gomponents.Node, 0)
	for _, t := range tables {
		for _, c := range t.Columns {
			desc := string(c.Type)
			switch {
			case c.PrivateID:
				desc += ", private id"
			case c.Bounded():
				desc += fmt.Sprintf(", [%s, %s]", num(*c.Lower), num(*c.Upper))
			}
			if c.Nullable {
				desc += ", nullable"
			}
			name := t.QualifiedName() + "." + c.Name
			items = append(items, html.Li(
				data.Show(containsExpr(name)),
				html.Code(gomponents.Text(name)),
				html.Span(html.Class("muted"), gomponents.Text(" "+desc)),
			))
		}
	}
	return html.Section(
		html.Class("card"),
		data.Signals(map[string]any{"q": ""}),
		html.H2(gomponents.Text("Columns")),
		html.Input(html.Type("search"), html.Placeholder("Filter columns"), data.Bind("q")),
		html.Ul(html.Class("columns"), gomponents.Group(items)),
	)
}

func errorPage(title, message string) gomponents.Node {
	return layout(title,
		html.H1(gomponents.Text(title)),
		html.Pre(gomponents.Text(message)),
		html.P(html.A(html.Href("/"), gomponents.Text("Back to query"))),
	)
}

func containsExpr(value string) string {
	return "$q === '' || " + strconv.Quote(strings.ToLower(value)) + ".includes($q.toLowerCase())"
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'g', 6, 64)
}

const stylesheet = `
body { font-family: system-ui, sans-serif; margin: 0; background: #f6f8fa; color: #1f2328; }
.layout { max-width: 960px; margin: 0 auto; padding: 1.5rem; }
.topbar { display: flex; justify-content: space-between; align-items: baseline; }
.card { background: #fff; border: 1px solid #d0d7de; border-radius: 6px; padding: 1rem; margin-bottom: 1rem; }
.card.error { border-color: #cf222e; }
.muted { color: #656d76; }
label { display: block; font-weight: 600; margin: .5rem 0 .25rem; }
textarea, input { width: 100%; box-sizing: border-box; font-family: ui-monospace, monospace; padding: .4rem; }
.button-row { display: flex; gap: .5rem; margin-top: .75rem; }
.btn { padding: .4rem .9rem; border: 1px solid #d0d7de; border-radius: 6px; background: #f6f8fa; cursor: pointer; }
.btn.primary { background: #1f883d; color: #fff; border-color: #1f883d; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: .3rem .6rem; border-bottom: 1px solid #d0d7de; }
.meter { height: .5rem; background: #eaeef2; border-radius: 3px; overflow: hidden; }
.meter-fill { height: 100%; background: #bf8700; }
.columns { list-style: none; padding: 0; columns: 2; }
`
