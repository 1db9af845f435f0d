package app

// Command はゲートウェイのサブコマンド。
type Command string

const (
	// CommandServe はHTTPゲートウェイと通知Hubを起動する。
	CommandServe Command = "serve"
	// CommandHealthcheck は稼働中のゲートウェイの/healthを確認して終了する。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand は先頭の引数をサブコマンドとして解釈する。
// 未指定や未知の値はserveとして扱う。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if c := Command(args[0]); c == CommandHealthcheck {
		return c
	}
	return CommandServe
}
