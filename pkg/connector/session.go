package connector

import (
	"errors"
	"strings"

	"soconnect/pkg/protocol"
	"soconnect/pkg/transport"
)

// ErrProtocol is returned when the server answers with a status the client
// does not understand.
var ErrProtocol = errors.New("protocol error")

// Login authenticates with a username and password. One of the login methods
// must be called before any command. Returns nil on success; the server's
// message otherwise. When an API key is configured the password is omitted
// from the request, since the key itself authenticates.
func (c *Client) Login(username, password string) error {
	c.postMu.Lock()
	defer c.postMu.Unlock()
	return c.loginLocked(username, password)
}

// LoginWithKey authenticates a client ID under the configured API key. The
// request carries no password.
func (c *Client) LoginWithKey(clientID string) error {
	c.postMu.Lock()
	defer c.postMu.Unlock()
	return c.loginLocked(clientID, "")
}

func (c *Client) loginLocked(username, password string) error {
	c.mu.Lock()
	loggedIn := c.username != ""
	apiVersion := c.apiVersion
	c.mu.Unlock()
	if loggedIn {
		return errors.New("already logged in")
	}
	if strings.TrimSpace(username) == "" {
		return errors.New("username can't be empty")
	}
	withPassword := c.apiKey == ""
	attributes := protocol.Attributes{
		"command":      "login",
		"user":         username,
		"version":      apiVersion,
		"deviceWidth":  c.deviceWidth,
		"deviceHeight": c.deviceHeight,
	}
	if withPassword {
		attributes["password"] = password
	}
	c.mu.Lock()
	c.session = ""
	c.mu.Unlock()
	r := c.postLocked(attributes)
	switch r.Status() {
	case protocol.StatusOK:
		c.mu.Lock()
		c.username = username
		if withPassword {
			c.password = password
		}
		c.session = r.SessionToken()
		c.mu.Unlock()
		return nil
	case protocol.StatusError:
		return errors.New(r.Message())
	}
	return ErrProtocol
}

// RequestOTP starts the two-phase OTP login by asking the server to send
// one-time passwords to the given email and mobile number. No session is
// required. The returned envelope's session token is cached for the
// subsequent LoginOTP call.
func (c *Client) RequestOTP(email, mobile string) protocol.Response {
	c.postMu.Lock()
	defer c.postMu.Unlock()
	c.mu.Lock()
	c.otpEmail = email
	c.mu.Unlock()
	r := c.execLocked("otp", protocol.Attributes{
		"email":  email,
		"mobile": mobile,
		"action": "init",
	}, true, false, false)
	c.mu.Lock()
	c.session = r.SessionToken()
	c.mu.Unlock()
	return r
}

// LoginOTP completes the OTP login with the codes received by email and
// mobile. RequestOTP must have been called first. On success the server's
// secret becomes the cached password for transparent re-login.
func (c *Client) LoginOTP(emailOTP, mobileOTP int) error {
	c.postMu.Lock()
	defer c.postMu.Unlock()
	c.mu.Lock()
	loggedIn := c.username != ""
	otpEmail, session := c.otpEmail, c.session
	apiVersion := c.apiVersion
	c.mu.Unlock()
	if loggedIn {
		return errors.New("already logged in")
	}
	if otpEmail == "" || session == "" {
		return errors.New("OTP was not generated")
	}
	r := c.postLocked(protocol.Attributes{
		"command":      "otp",
		"action":       "login",
		"session":      session,
		"continue":     true,
		"emailOTP":     emailOTP,
		"mobileOTP":    mobileOTP,
		"version":      apiVersion,
		"deviceWidth":  c.deviceWidth,
		"deviceHeight": c.deviceHeight,
	})
	switch r.Status() {
	case protocol.StatusOK:
		c.mu.Lock()
		c.username = otpEmail
		c.password = r.String("secret")
		c.session = r.SessionToken()
		c.mu.Unlock()
		return nil
	case protocol.StatusError:
		return errors.New(r.Message())
	}
	return ErrProtocol
}

// ChangePassword changes the account password. The current password is
// verified locally before any network call; the cached password is updated
// on success.
func (c *Client) ChangePassword(currentPassword, newPassword string) error {
	c.postMu.Lock()
	defer c.postMu.Unlock()
	c.mu.Lock()
	loggedIn := c.username != ""
	match := c.password == currentPassword
	c.mu.Unlock()
	if !loggedIn {
		return errors.New("not logged in")
	}
	if !match {
		return errors.New("current password is incorrect")
	}
	r := c.execLocked("changePassword", protocol.Attributes{
		"oldPassword": currentPassword,
		"password":    newPassword,
	}, true, false, false)
	switch r.Status() {
	case protocol.StatusOK:
		c.mu.Lock()
		c.password = newPassword
		c.mu.Unlock()
		return nil
	case protocol.StatusError:
		return errors.New(r.Message())
	}
	return ErrProtocol
}

// Logout ends the session best-effort and tears the connection down. The
// instance must not be used afterwards.
func (c *Client) Logout() {
	c.stopOnce.Do(func() {
		close(c.stopKeepAlive)
	})
	c.postMu.Lock()
	defer c.postMu.Unlock()
	c.execLocked("logout", nil, true, false, false)
	c.mu.Lock()
	c.username = ""
	c.password = ""
	c.session = ""
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close(transport.CloseNormal, "Logged out")
		conn.Abort()
	}
}

// Close releases the client. Equivalent to Logout.
func (c *Client) Close() {
	c.Logout()
}
