package compiler

import "html/template"

// storyView is one decorated story rendered into either HTML variant.
// Fields are pre-escaped template.HTML so the templates below can emit
// them directly without the stdlib's default auto-escaping running a
// second, bold-tag-destroying pass over already-escaped text.
type storyView struct {
	Label       template.HTML
	Headline    template.HTML
	URL         string
	ImageURL    string
	Bullets     []template.HTML
	Lead        template.HTML
	SignalBlurb template.HTML
	QuickHit    bool
}

// templateData is the shared shape both the rich and deliverability
// templates render from; variant styling (font, accent, width) is data,
// not template branching, so one template body serves both brands.
type templateData struct {
	Subject        string
	Preheader      template.HTML
	BrandName      string
	AccentColor    string
	FontFamily     string
	WrapWidth      string
	LogoURL        string
	Year           int
	Stories        []storyView
	QuickHits      []storyView
	Unsubscribe    template.HTML
	ManagePrefs    template.HTML
	IncludeImages  bool
}

// richTemplateSource is the full responsive table-based email, grounded on
// original_source/workers/utils/html_stripper.py's build_full_html_email
// and signal_html_compile.py's header/footer shape, generalized across
// variants via templateData's styling fields.
const richTemplateSource = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>{{.Subject}}</title>
  <style>
    body { margin: 0; padding: 0; background-color: #f3f4f6; }
    table { border-collapse: collapse; }
    img { border: 0; max-width: 100%; height: auto; display: block; }
    .wrapper { width: {{.WrapWidth}}; max-width: 100%; }
    @media only screen and (max-width: {{.WrapWidth}}) {
      .wrapper { width: 100% !important; }
    }
  </style>
</head>
<body style="margin:0; padding:0; background-color:#f3f4f6;">
  <div style="display:none; max-height:0; overflow:hidden; opacity:0; font-size:1px; line-height:1px; color:#f3f4f6;">{{.Preheader}}</div>
  <center style="width:100%; background-color:#f3f4f6;">
    <table role="presentation" width="100%" cellspacing="0" cellpadding="0" border="0">
      <tr><td align="center" style="padding:24px 12px;">
        <table role="presentation" class="wrapper" cellspacing="0" cellpadding="0" border="0" style="background-color:#f3f4f6;">
          <tr><td style="padding:0 0 16px 0;">
            <table role="presentation" width="100%" cellspacing="0" cellpadding="0" style="background-color:#ffffff;">
              <tr><td align="center" style="padding:18px 22px;">
                {{if .LogoURL}}<img src="{{.LogoURL}}" alt="{{.BrandName}}" style="display:block; margin:0 auto; max-width:180px; height:auto;" />{{else}}<div style="font-family:{{.FontFamily}}; font-size:20px; font-weight:bold; color:#0f172a;">{{.BrandName}}</div>{{end}}
              </td></tr>
            </table>
          </td></tr>
          <tr><td style="padding:0 12px 24px 12px;">
            <table role="presentation" width="100%" cellspacing="0" cellpadding="0" style="background-color:#ffffff; border:1px solid #e5e7eb;">
              {{range $i, $s := .Stories}}
              <tr><td style="padding:20px 22px; border-bottom:1px solid #e5e7eb;">
                <div style="font-size:11px; text-transform:uppercase; letter-spacing:0.14em; color:#9ca3af; padding-bottom:6px; font-family:{{$.FontFamily}};">{{$s.Label}}</div>
                <div style="font-size:20px; line-height:1.4; font-weight:600; color:#0f172a; padding-bottom:10px; font-family:{{$.FontFamily}};">
                  {{if $s.URL}}<a href="{{$s.URL}}" style="color:#0f172a; text-decoration:none;">{{$s.Headline}}</a>{{else}}{{$s.Headline}}{{end}}
                </div>
                {{if and $.IncludeImages $s.ImageURL}}<div style="padding:0 0 12px 0;"><img src="{{$s.ImageURL}}" alt="" style="width:100%; height:auto; border-radius:6px; display:block;" /></div>{{end}}
                {{if $s.Lead}}<div style="font-size:14px; line-height:1.6; color:#374151; padding-bottom:10px; font-family:{{$.FontFamily}};">{{$s.Lead}}</div>{{end}}
                {{range $s.Bullets}}<div style="margin-bottom:10px; padding-left:12px; font-size:14px; line-height:1.6; color:#4b5563; font-family:{{$.FontFamily}};">&#8226; {{.}}</div>{{end}}
                {{if $s.SignalBlurb}}<div style="font-size:14px; line-height:1.6; color:#4b5563; font-family:{{$.FontFamily}};">{{$s.SignalBlurb}}</div>{{end}}
                {{if $s.URL}}<div style="font-size:13px; color:#4b5563; padding-top:10px; font-family:{{$.FontFamily}};">Read More <a href="{{$s.URL}}" style="color:{{$.AccentColor}}; text-decoration:underline;">Here</a>.</div>{{end}}
              </td></tr>
              {{end}}
            </table>
          </td></tr>
          <tr><td style="padding:0 12px 24px 12px;">
            <table role="presentation" width="100%" cellspacing="0" cellpadding="0" style="width:100%; background-color:#f9fafb; border:1px solid #e5e7eb;">
              <tr>
                <td style="padding:12px 16px; font-size:11px; line-height:1.6; color:#6b7280; font-family:{{.FontFamily}};">
                  You're receiving this email because you subscribed to {{.BrandName}}.<br />
                  <a href="{{.Unsubscribe}}" style="color:#4b5563; text-decoration:underline;">Unsubscribe</a> &bull;
                  <a href="{{.ManagePrefs}}" style="color:#4b5563; text-decoration:underline;">Manage preferences</a>
                </td>
                <td align="right" style="padding:12px 16px; font-size:11px; color:#6b7280; white-space:nowrap; font-family:{{.FontFamily}};">&copy; {{.Year}} {{.BrandName}}</td>
              </tr>
            </table>
          </td></tr>
        </table>
      </td></tr>
    </table>
  </center>
</body>
</html>`

// deliverabilityTemplateSource is the stripped, no-image, single-font
// variant (spec §4.9), grounded on html_stripper.py's
// strip_html_for_deliverability: a single container div, per-story label/
// headline/bullets, an <hr> between stories, and an unsubscribe-only
// footer. The brand-name swap itself runs as a post-render string pass
// (replaceBrand), matching the original applying its regex after the HTML
// is fully assembled rather than templating the brand name out up front.
const deliverabilityTemplateSource = `<div style="font-family: {{.FontFamily}}; font-size: 15px; line-height: 1.7; color: #333;">
{{if .Stories}}<div style="font-size: 18px; font-weight: bold; color: #111; margin-bottom: 24px;">{{(index .Stories 0).Headline}}</div>{{end}}
{{range $i, $s := .Stories}}
{{if $s.Label}}<div style="font-size: 12px; font-weight: bold; color: #666; text-transform: uppercase; letter-spacing: 1px; margin-bottom: 8px;">{{$s.Label}}</div>{{end}}
<div style="font-size: 16px; font-weight: 600; color: #111; margin-bottom: 12px;">{{$s.Headline}}</div>
{{if $s.Lead}}<div style="margin-bottom: 10px;">{{$s.Lead}}</div>{{end}}
{{range $s.Bullets}}<div style="margin-bottom: 10px; padding-left: 16px;">&#8226; {{.}}</div>{{end}}
{{if $s.SignalBlurb}}<div style="margin-bottom: 10px; padding-left: 16px;">&#8226; {{$s.SignalBlurb}}</div>{{end}}
{{if not (last $i $.Stories)}}<hr style="border: none; border-top: 1px solid #e0e0e0; margin: 24px 0;">{{end}}
{{end}}
<div style="font-size: 12px; color: #888; margin-top: 20px;">You're receiving this because you subscribed to our daily AI briefing.<br>Unsubscribe: {{.Unsubscribe}}</div>
</div>`

var templateFuncs = template.FuncMap{
	"last": func(i int, stories []storyView) bool { return i == len(stories)-1 },
}

var richTemplate = template.Must(template.New("rich").Funcs(templateFuncs).Parse(richTemplateSource))

var deliverabilityTemplate = template.Must(template.New("deliverability").Funcs(templateFuncs).Parse(deliverabilityTemplateSource))
