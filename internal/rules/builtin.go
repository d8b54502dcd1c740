package rules

// LoginThreshold is the score at which LoginPage reports a login form.
const LoginThreshold = 7

// LoginPage returns a fresh, uncompiled login-page detector. Weights and
// threshold are defaults; a detector file with the same name replaces it.
func LoginPage() *Detector {
	return &Detector{
		Name:      "login_page",
		Threshold: LoginThreshold,
		Signals: []Signal{
			{
				Name: "login_url", View: ViewURL, Category: Optional, Weight: 4,
				Any: []string{"login", "signin", "auth", "account/login", "user/login", "admin/login", "session"},
			},
			{
				Name: "password_form", View: ViewHTML, Category: Required, Weight: 5,
				Any: []string{`form input[type="password" i]`},
			},
			{
				Name: "identity_input", View: ViewHTML, Category: Optional, Weight: 2,
				Any: []string{
					`input[type="email" i]`,
					`input[name*="username" i]`, `input[name*="email" i]`, `input[name*="user" i]`,
					`input[name*="login" i]`, `input[name*="identifier" i]`,
					`input[id*="username" i]`, `input[id*="email" i]`, `input[id*="user" i]`,
					`input[id*="login" i]`, `input[id*="identifier" i]`,
				},
			},
			{
				Name: "login_text", View: ViewText, Category: Optional, Weight: 3,
				Any: []string{"login", "sign in", "log in", "authentication", "member login", "secure login"},
			},
			{
				Name: "login_button", View: ViewHTML, Category: Optional, Weight: 4,
				Any: []string{
					`button:contains("login")`, `button:contains("log in")`, `button:contains("sign in")`,
					`input[type="submit" i][value*="login" i]`, `input[type="submit" i][value*="log in" i]`,
					`input[type="submit" i][value*="sign in" i]`,
				},
			},
			{
				Name: "recovery_text", View: ViewText, Category: Optional, Weight: 4,
				Any: []string{"forgot password", "reset password", "lost password", "recover account"},
			},
			{
				Name: "auth_form_action", View: ViewHTML, Category: Optional, Weight: 3,
				Any: []string{
					`form[action*="login" i]`, `form[action*="auth" i]`,
					`form[action*="signin" i]`, `form[action*="session" i]`,
				},
			},
			{
				Name: "credential_pair", View: ViewHTML, Category: Optional, Weight: 6,
				Any: []string{
					`form:has(input[type="password" i]):has(input[name*="user" i])`,
					`form:has(input[type="password" i]):has(input[name*="email" i])`,
					`form:has(input[type="password" i]):has(input[type="email" i])`,
				},
			},
			{
				Name: "login_title", View: ViewHTML, Category: Optional, Weight: 2,
				Any: []string{
					`title:contains("login")`, `title:contains("signin")`,
					`title:contains("sign in")`, `title:contains("authenticate")`,
				},
			},
			{
				Name: "credential_prompt", View: ViewText, Category: Optional, Weight: 3,
				Pattern: `(enter your|please enter|access your)\s+(account|credentials)`,
			},
		},
	}
}
