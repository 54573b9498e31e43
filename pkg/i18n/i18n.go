package i18n

import (
	"fmt"
	"strings"
)

var translations = map[string]string{
	"invalid request":                              "درخواست نامعتبر است",
	"failed to generate token":                     "خطا در تولید توکن",
	"missing authorization token":                  "توکن احراز هویت ارسال نشده است",
	"invalid token":                                "توکن نامعتبر است",
	"user not found":                               "کاربر یافت نشد",
	"unauthorized":                                 "دسترسی غیرمجاز",
	"not authenticated":                            "احراز هویت انجام نشده است",
	"not found":                                    "یافت نشد",
	"permission denied":                            "دسترسی غیرمجاز",
	"validation failed":                            "داده ارسالی نامعتبر است",
	"rate limited":                                 "تعداد درخواست ها بیش از حد مجاز است",
	"remote store error":                           "خطا در ارتباط با مخزن داده",
	"duplicate request":                            "این درخواست قبلا ثبت شده است",
	"chat not found":                               "گفتگو یافت نشد",
	"message not found":                            "پیام یافت نشد",
	"not a participant":                            "شما عضو این گفتگو نیستید",
	"message content is empty":                     "متن پیام خالی است",
	"file is required":                             "فایل الزامی است",
	"file too large":                               "حجم فایل بیش از حد مجاز است",
	"failed to save file":                          "خطا در ذخیره فایل",
	"websocket upgrade failed":                     "خطا در برقراری اتصال وب سوکت",
	"rate limiter error":                           "خطا در محدودسازی درخواست ها",
	"rate limit exceeded":                          "تعداد درخواست ها بیش از حد مجاز است",
	"internal server error":                        "خطای داخلی سرور",
	"only images can be attached":                  "فقط تصویر می توان پیوست کرد",
	"ban not found":                                "محرومیتی یافت نشد",
	"search query is empty":                        "عبارت جستجو خالی است",
	"message already reported":                     "این پیام را قبلا گزارش کرده اید",
	"only the sender can edit":                     "فقط فرستنده می تواند پیام را ویرایش کند",
	"only the sender can delete":                   "فقط فرستنده می تواند پیام را حذف کند",
	"moderator permission required":                "این عملیات نیاز به دسترسی ناظر دارد",
	"you are banned from this chat":                "شما از این گفتگو محروم شده اید",
	"you are muted in this chat":                   "شما در این گفتگو بی صدا شده اید",
	"username must be between 3 and 32 characters": "نام کاربری باید بین ۳ تا ۳۲ کاراکتر باشد",
	"username can only contain letters, numbers, and underscores": "نام کاربری فقط می تواند شامل حروف، اعداد و زیرخط باشد",
	"password must be at least 6 characters":                      "رمز عبور باید حداقل ۶ کاراکتر باشد",
	"username already exists":                                     "این نام کاربری قبلا ثبت شده است",
	"invalid username or password":                                "نام کاربری یا رمز عبور اشتباه است",

	// Placeholders and notification text.
	"[Image]":                  "[تصویر]",
	"This message was deleted": "این پیام حذف شد",
	"This message was removed by a moderator": "این پیام توسط ناظر حذف شد",
	"New message":         "پیام جدید",
	"New message from %s": "پیام جدید از %s",

	// System messages posted into chats.
	"%s received a warning (%d/%d): %s": "%s اخطار دریافت کرد (%d/%d): %s",
	"%s was banned from this chat: %s":  "%s از این گفتگو محروم شد: %s",
	"%s was banned for %s: %s":          "%s به مدت %s محروم شد: %s",
	"%s was unbanned: %s":               "محرومیت %s برداشته شد: %s",
	"%s was muted for %s: %s":           "%s به مدت %s بی صدا شد: %s",
	"Moderation history was cleared":    "تاریخچه نظارت پاک شد",
}

var prefixTranslations = map[string]string{
	"failed to hash password:":   "خطا در پردازش رمز عبور",
	"failed to register user:":   "خطا در ثبت نام کاربر",
	"failed to query user:":      "خطا در دریافت اطلاعات کاربر",
	"failed to generate token:":  "خطا در تولید توکن",
	"failed to sign token:":      "خطا در امضای توکن",
	"failed to parse token:":     "توکن نامعتبر است",
	"unexpected signing method:": "روش امضای توکن نامعتبر است",
	"message content is ":        "طول پیام بیش از حد مجاز است",
}

func Translate(message string) string {
	if translated, ok := translations[message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}

// Sprintf translates format and then formats it with args.
func Sprintf(format string, args ...any) string {
	return fmt.Sprintf(Translate(format), args...)
}
