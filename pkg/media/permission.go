package media

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/arzzra/phonify/pkg/callerr"
)

// Permissions запрос доступа к микрофону. Может блокироваться на время диалога с пользователем.
type Permissions interface {
	RequestMicrophone(ctx context.Context) error
}

// PermissionFunc адаптер функции
type PermissionFunc func(ctx context.Context) error

func (f PermissionFunc) RequestMicrophone(ctx context.Context) error { return f(ctx) }

// StaticPermission фиксированный ответ
type StaticPermission struct {
	Granted bool
}

func (p StaticPermission) RequestMicrophone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.Granted {
		return callerr.PermissionDenied(nil)
	}
	return nil
}

// DevicePermission проверяет доступ к устройству захвата (например, /dev/snd/pcmC0D0c)
type DevicePermission struct {
	Path string
}

func (p DevicePermission) RequestMicrophone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.OpenFile(p.Path, os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return callerr.PermissionDenied(err)
		}
		return callerr.ResourceSetupFailure("microphone", err)
	}
	return f.Close()
}
