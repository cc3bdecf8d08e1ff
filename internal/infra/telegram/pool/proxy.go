package pool

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/dcs"
	"golang.org/x/net/proxy"

	"telesmasher/internal/infra/config"
	"telesmasher/internal/infra/logger"
)

// proxiedResolver собирает DC-резолвер, ведущий MTProto-трафик через прокси
// из конфигурации. SOCKS4 не имеет аутентификации и ведётся через
// SOCKS5-диалер без кредов.
func proxiedResolver(p *config.Proxy) (dcs.Resolver, error) {
	var dial dcs.DialFunc

	switch p.Type {
	case config.ProxySOCKS5, config.ProxySOCKS4:
		var auth *proxy.Auth
		if p.Username != "" {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}
		if p.Type == config.ProxySOCKS4 {
			logger.Warnf("pool: socks4 proxy driven through socks5 dialer without credentials")
			auth = nil
		}
		d, err := proxy.SOCKS5("tcp", p.Addr(), auth, proxy.Direct)
		if err != nil {
			return nil, errors.Wrap(err, "build socks dialer")
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks dialer lacks context support")
		}
		dial = cd.DialContext
	case config.ProxyHTTP:
		h := &httpConnectDialer{addr: p.Addr(), username: p.Username, password: p.Password}
		dial = h.DialContext
	default:
		return nil, errors.Errorf("unsupported proxy type %q", p.Type)
	}

	return dcs.Plain(dcs.PlainOptions{Dial: dial}), nil
}

// httpConnectDialer устанавливает TCP-туннель через HTTP CONNECT.
type httpConnectDialer struct {
	addr     string
	username string
	password string
}

func (d *httpConnectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, network, d.addr)
	if err != nil {
		return nil, errors.Wrap(err, "dial http proxy")
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if d.username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(d.username + ":" + d.password))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "send CONNECT")
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "read CONNECT response")
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, errors.Errorf("proxy refused CONNECT: %s", resp.Status)
	}
	return conn, nil
}
