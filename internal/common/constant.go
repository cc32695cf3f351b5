package common

// AccessTokenHeaderName is the HTTP header used to carry the relay access
// token on outbound requests and on the live-channel handshake.
const AccessTokenHeaderName = "Authorization"

// AccessTokenQueryParam carries the token on WebSocket upgrade requests
// when a client cannot set headers.
const AccessTokenQueryParam = "token"
