package transport

import (
	"context"
	"net"

	utls "github.com/refraction-networking/utls"
)

func clientHelloID(fingerprint string) utls.ClientHelloID {
	switch fingerprint {
	case "firefox":
		return utls.HelloFirefox_Auto
	case "safari":
		return utls.HelloSafari_Auto
	case "ios":
		return utls.HelloIOS_Auto
	case "edge":
		return utls.HelloEdge_Auto
	case "randomized":
		return utls.HelloRandomized
	case "golang":
		return utls.HelloGolang
	default:
		return utls.HelloChrome_Auto
	}
}

// handshake runs a fingerprinted TLS ClientHello over conn. Reality and v2ray endpoints
// answer it only when the TLS front is alive, which a bare TCP connect cannot tell.
func handshake(ctx context.Context, conn net.Conn, target Target) error {
	sni := target.TLS.SNI
	if sni == "" {
		sni = target.Host
	}
	uconn := utls.UClient(conn, &utls.Config{
		ServerName:         sni,
		InsecureSkipVerify: target.TLS.Insecure,
	}, clientHelloID(target.TLS.Fingerprint))
	return uconn.HandshakeContext(ctx)
}
