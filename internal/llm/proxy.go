package llm

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"convo-api/internal/logger"

	"golang.org/x/net/proxy"
)

// ValidateProxyURL 验证代理 URL 格式
// @author ygw
func ValidateProxyURL(proxyURL string) error {
	if proxyURL == "" {
		return fmt.Errorf("代理地址不能为空")
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("代理地址格式错误: %v", err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" && parsed.Scheme != "socks5" {
		return fmt.Errorf("不支持的代理协议: %s (仅支持 http/https/socks5)", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("代理地址缺少主机名")
	}
	if parsed.Port() == "" {
		return fmt.Errorf("代理地址缺少端口")
	}
	return nil
}

// configureProxy 配置 HTTP/HTTPS 或 SOCKS5 代理，地址无效时直连
func configureProxy(transport *http.Transport, rawURL string) {
	if rawURL == "" {
		return
	}
	if err := ValidateProxyURL(rawURL); err != nil {
		logger.Error("代理配置无效，使用直连: %v", err)
		return
	}
	proxyURL, _ := url.Parse(rawURL)

	if proxyURL.Scheme == "socks5" {
		dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
		if err != nil {
			logger.Error("SOCKS5 代理配置失败: %v", err)
			return
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
		logger.Info("已配置 SOCKS5 代理: %s", proxyURL.Host)
		return
	}

	transport.Proxy = http.ProxyURL(proxyURL)
	logger.Info("已配置 HTTP/HTTPS 代理: %s", proxyURL.Host)
}
