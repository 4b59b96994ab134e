package udp

// sizeHeader is the fixed size in bytes of a UDP header: source port,
// destination port, length and checksum, each 2 bytes. See RFC 768.
const sizeHeader = 8
